// Package linker implements the Link Operation: the atomic filesystem
// mutation that makes a victim path refer to the same content as a
// survivor, via hardlink or reflink, using a temp-name-then-rename so the
// victim path never observes a half-written state.
package linker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kornelski/dupe-krill/internal/descriptor"
)

// Mode selects how the Link Operation makes victim refer to survivor's
// content.
type Mode int

const (
	Hardlink Mode = iota
	Reflink
	ReflinkOrHardlink
)

// ErrReflinkUnsupported is returned by the platform reflink clone when the
// underlying filesystem or OS does not support copy-on-write clones.
var ErrReflinkUnsupported = errors.New("linker: reflink not supported")

// Method records which mechanism actually performed a Link Operation.
type Method string

const (
	MethodHardlink       Method = "hardlink"
	MethodReflink        Method = "reflink"
	MethodAlreadyLinked  Method = "already-linked"
)

// Result describes a completed Link Operation.
type Result struct {
	Method   Method
	Fallback bool // true if ReflinkOrHardlink fell back to a hardlink
}

// reflinkClone is implemented per-platform; see linker_linux.go and
// linker_other.go.
var reflinkClone func(survivorPath, tempPath string) error

// Link makes victimPath refer to survivor's content, per SPEC_FULL.md §4.4:
//
//  1. Re-lstat victimPath; confirm it still matches the recorded identity.
//  2. Confirm survivor and victim are on the same device.
//  3. No-op if victimPath already resolves to survivor's inode.
//  4. Create the link at a temp name in victimPath's directory.
//  5. Preserve metadata on the temp path per the chosen mode's policy.
//  6. Atomically rename the temp path over victimPath.
//  7. Clean up the temp path on any failure after step 4.
func Link(mode Mode, survivorPath string, victim *descriptor.Record, victimPath string) (Result, error) {
	victimInfo, err := os.Lstat(victimPath)
	if err != nil {
		return Result{}, fmt.Errorf("linker: stat victim: %w", err)
	}
	device, inode, _, err := descriptor.StatIdentity(victimInfo)
	if err != nil {
		return Result{}, fmt.Errorf("linker: identity victim: %w", err)
	}
	if device != victim.Device || inode != victim.Inode ||
		victimInfo.Size() != victim.Size || !victimInfo.ModTime().Equal(victim.ModTime) {
		return Result{}, fmt.Errorf("linker: %s changed since it was scanned, skipping", victimPath)
	}

	survivorInfo, err := os.Lstat(survivorPath)
	if err != nil {
		return Result{}, fmt.Errorf("linker: stat survivor: %w", err)
	}
	survivorDevice, survivorInode, _, err := descriptor.StatIdentity(survivorInfo)
	if err != nil {
		return Result{}, fmt.Errorf("linker: identity survivor: %w", err)
	}
	if survivorDevice != device {
		return Result{}, fmt.Errorf("linker: %s and %s are on different devices", survivorPath, victimPath)
	}
	if survivorInode == inode {
		return Result{Method: MethodAlreadyLinked}, nil
	}

	dir := filepath.Dir(victimPath)
	tempPath := filepath.Join(dir, fmt.Sprintf(".%s.dupe-krill.%s", filepath.Base(victimPath), uuid.NewString()))

	method, fallback, err := createLink(mode, survivorPath, tempPath)
	if err != nil {
		return Result{}, err
	}

	if err := preserveMetadata(method, tempPath, victimInfo); err != nil {
		_ = os.Remove(tempPath)
		return Result{}, fmt.Errorf("linker: preserve metadata: %w", err)
	}

	if err := os.Rename(tempPath, victimPath); err != nil {
		_ = os.Remove(tempPath)
		return Result{}, fmt.Errorf("linker: rename into place: %w", err)
	}

	return Result{Method: method, Fallback: fallback}, nil
}

func createLink(mode Mode, survivorPath, tempPath string) (Method, bool, error) {
	switch mode {
	case Hardlink:
		if err := os.Link(survivorPath, tempPath); err != nil {
			return "", false, fmt.Errorf("linker: hardlink: %w", err)
		}
		return MethodHardlink, false, nil

	case Reflink:
		if err := cloneReflink(survivorPath, tempPath); err != nil {
			return "", false, fmt.Errorf("linker: reflink: %w", err)
		}
		return MethodReflink, false, nil

	case ReflinkOrHardlink:
		err := cloneReflink(survivorPath, tempPath)
		if err == nil {
			return MethodReflink, false, nil
		}
		if !errors.Is(err, ErrReflinkUnsupported) {
			return "", false, fmt.Errorf("linker: reflink: %w", err)
		}
		if err := os.Link(survivorPath, tempPath); err != nil {
			return "", false, fmt.Errorf("linker: hardlink fallback: %w", err)
		}
		return MethodHardlink, true, nil

	default:
		return "", false, fmt.Errorf("linker: unknown mode %d", mode)
	}
}

func cloneReflink(survivorPath, tempPath string) error {
	if reflinkClone == nil {
		return ErrReflinkUnsupported
	}
	return reflinkClone(survivorPath, tempPath)
}

// preserveMetadata applies the documented metadata policy (SPEC_FULL.md
// §4.4 step 5): a hardlink shares the survivor's inode, so the survivor's
// permissions and mtime already govern both paths and nothing further needs
// doing; a reflink gets a fresh inode, so the victim's own permissions and
// mtime are copied onto the temp path to preserve the path's metadata.
func preserveMetadata(method Method, tempPath string, victimInfo os.FileInfo) error {
	if method != MethodReflink {
		return nil
	}
	if err := os.Chmod(tempPath, victimInfo.Mode().Perm()); err != nil {
		return err
	}
	mtime := victimInfo.ModTime()
	return os.Chtimes(tempPath, time.Now(), mtime)
}
