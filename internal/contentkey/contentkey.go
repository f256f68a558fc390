// Package contentkey implements the lazy, incrementally-hashed comparison
// handle for one file's byte stream.
//
// A Key never reads more of its file than a comparison against some other
// Key actually requires. Bytes are consumed in a chunk ladder that starts
// small and doubles, so files that differ early are told apart cheaply
// while true duplicates pay only O(log size) reads. Every chunk digest is
// cached on the Key once computed, so re-comparing against a later key never
// rereads earlier chunks.
package contentkey

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

const (
	// initialChunkSize is the size of the first chunk read from a file.
	initialChunkSize int64 = 16 * 1024
	// maxChunkSize caps the chunk schedule so huge equal-prefix files still
	// make bounded progress per comparison step.
	maxChunkSize int64 = 4 * 1024 * 1024
)

// chunkLength returns the nominal length of chunk i in the schedule:
// 16 KiB, 32 KiB, 64 KiB, ... doubling until the cap, then held at the cap.
func chunkLength(i int) int64 {
	if i > 62 { // guard against shift overflow on pathological inputs
		return maxChunkSize
	}
	n := initialChunkSize << uint(i)
	if n <= 0 || n > maxChunkSize {
		return maxChunkSize
	}
	return n
}

// Ordering is the result of comparing two Keys.
type Ordering int

const (
	Less Ordering = -1
	Equal Ordering = 0
	Greater Ordering = 1
)

// Key is the lazy comparator handle for one inode's byte stream.
//
// A Key is not safe for concurrent use; the duplicate index that owns it
// drives all comparisons from a single goroutine.
type Key struct {
	path string
	size int64
	salt []byte

	file    *os.File
	digests [][]byte
	eofAt   int // index of the first chunk at which EOF was reached, -1 if none yet
	err     error
}

// New returns a Key for path, which must name a regular file of the given
// size. The file is not opened until the first comparison touches it.
func New(path string, size int64, salt []byte) *Key {
	return &Key{path: path, size: size, salt: salt, eofAt: -1}
}

// Size returns the file size recorded at construction time.
func (k *Key) Size() int64 { return k.size }

// Path returns the file path this key was built from.
func (k *Key) Path() string { return k.path }

// Err returns the read error that poisoned this key, if any.
func (k *Key) Err() error { return k.err }

// Poisoned reports whether a prior read failed, making this key unusable
// for further comparison.
func (k *Key) Poisoned() bool { return k.err != nil }

// Close releases the underlying file handle, if open. It is safe to call
// multiple times and safe to call on a key that was never opened. The key
// may still be compared afterwards; it simply reopens the file lazily.
func (k *Key) Close() error {
	if k.file == nil {
		return nil
	}
	f := k.file
	k.file = nil
	return f.Close()
}

func (k *Key) poison(err error) {
	if k.err == nil {
		k.err = err
	}
	_ = k.Close()
}

// chunkAt returns the digest of chunk i, computing and caching it if this is
// the first request for it. Chunks must be requested in increasing order
// starting at 0, which is how Compare drives both sides of a comparison.
func (k *Key) chunkAt(i int) (digest []byte, eof bool, err error) {
	if k.err != nil {
		return nil, false, k.err
	}
	if i < len(k.digests) {
		return k.digests[i], k.eofAt >= 0 && i >= k.eofAt, nil
	}
	if i != len(k.digests) {
		return nil, false, fmt.Errorf("contentkey: non-sequential chunk access at %d (have %d)", i, len(k.digests))
	}

	if k.file == nil {
		f, err := os.Open(k.path)
		if err != nil {
			k.poison(err)
			return nil, false, err
		}
		// A handle reopened after Close must resume where the cached
		// digests end, not at the start of the file.
		var offset int64
		for j := 0; j < i; j++ {
			offset += chunkLength(j)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			k.poison(err)
			return nil, false, err
		}
		k.file = f
	}

	length := chunkLength(i)
	buf := make([]byte, length)
	n, err := io.ReadFull(k.file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		k.poison(err)
		return nil, false, err
	}

	h, hashErr := blake2b.New256(k.salt)
	if hashErr != nil {
		k.poison(hashErr)
		return nil, false, hashErr
	}
	h.Write(buf[:n])
	digest = h.Sum(nil)
	k.digests = append(k.digests, digest)

	eof = errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || int64(n) < length
	if eof {
		if k.eofAt < 0 {
			k.eofAt = i
		}
		// The file handle has served its purpose for this key; free it
		// eagerly so a long tail of equal-sized, already-EOF'd keys doesn't
		// hold descriptors open.
		_ = k.Close()
	}
	return digest, eof, nil
}

// side identifies which argument of Compare a comparison error belongs to,
// so callers (the duplicate index) can tell a newly-inserted key's read
// failure apart from a failure on a key already resident in the index.
type side int

const (
	SideA side = iota
	SideB
)

// CompareError wraps a read error encountered while comparing two keys,
// identifying which of the two keys produced it.
type CompareError struct {
	Side side
	Err  error
}

func (e *CompareError) Error() string { return e.Err.Error() }
func (e *CompareError) Unwrap() error { return e.Err }

// FailedSideB reports whether the error came from the second key passed to
// Compare, i.e. the one already resident in the duplicate index.
func FailedSideB(err error) bool {
	var ce *CompareError
	return errors.As(err, &ce) && ce.Side == SideB
}

// Compare orders two keys: by size first (no I/O), then by a chunk-wise
// digest ladder at increasing offsets until a difference is found or both
// reach EOF with every chunk equal.
func Compare(a, b *Key) (Ordering, error) {
	if a.size != b.size {
		if a.size < b.size {
			return Less, nil
		}
		return Greater, nil
	}

	for i := 0; ; i++ {
		da, aEOF, err := a.chunkAt(i)
		if err != nil {
			return 0, &CompareError{Side: SideA, Err: err}
		}
		db, bEOF, err := b.chunkAt(i)
		if err != nil {
			return 0, &CompareError{Side: SideB, Err: err}
		}

		if c := bytes.Compare(da, db); c != 0 {
			if c < 0 {
				return Less, nil
			}
			return Greater, nil
		}

		if aEOF != bEOF {
			// Equal sizes should reach EOF on the same chunk; if they don't,
			// treat the shorter read as the smaller key rather than looping
			// forever.
			if aEOF {
				return Less, nil
			}
			return Greater, nil
		}
		if aEOF {
			return Equal, nil
		}
	}
}
