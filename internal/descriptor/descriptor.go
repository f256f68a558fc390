// Package descriptor holds the File Descriptor Record: the per-inode
// metadata captured at enqueue time, plus the list of paths known to
// resolve to it.
package descriptor

import (
	"os"
	"time"

	"github.com/kornelski/dupe-krill/internal/contentkey"
)

// Record is the per-inode metadata the engine tracks across a run.
//
// Invariant: every path in Paths, when lstat'd, resolves to (Device, Inode)
// at the time it was added, except a reflinked group member, which gets its
// own inode by construction (engine.collapse notes the consequence). The
// list is never empty while a Record is live.
type Record struct {
	Device uint64
	Inode  uint64
	Nlink  uint64 // OS-reported link count at discovery time, informational
	Size   int64
	Mode   os.FileMode
	ModTime time.Time

	Paths []string
	Key   *contentkey.Key

	// RedirectTo is set once this record's content has been folded into a
	// survivor record by the engine's collapse step. A later-discovered
	// path that still resolves to this record's (Device, Inode) must be
	// relinked individually to RedirectTo rather than silently merged here,
	// since this record no longer represents live, unlinked content.
	RedirectTo *Record
}

// New builds a Record for path from its already-stat'd info and device,
// inode and link-count triple (obtained via a platform-specific lstat
// helper, since os.FileInfo alone does not expose them portably).
func New(path string, info os.FileInfo, device, inode, nlink uint64, salt []byte) *Record {
	return &Record{
		Device:  device,
		Inode:   inode,
		Nlink:   nlink,
		Size:    info.Size(),
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
		Paths:   []string{path},
		Key:     contentkey.New(path, info.Size(), salt),
	}
}

// AddPath appends path to the record's path list if it is not already
// present.
func (r *Record) AddPath(path string) {
	for _, p := range r.Paths {
		if p == path {
			return
		}
	}
	r.Paths = append(r.Paths, path)
}

// FirstPath returns the first-known path for this record, which the engine
// uses as the canonical survivor path (see the first-seen-survivor policy
// in SPEC_FULL.md §4.3).
func (r *Record) FirstPath() string {
	if len(r.Paths) == 0 {
		return ""
	}
	return r.Paths[0]
}

// Resolve follows the RedirectTo chain to the final live record
// representing this one's content, or returns r itself if it was never
// redirected.
func Resolve(r *Record) *Record {
	for r.RedirectTo != nil {
		r = r.RedirectTo
	}
	return r
}
