// Package engine wires the Inode Registry, Duplicate Index and Link
// Operation into the single-threaded core described in SPEC_FULL.md §2 and
// §9: one enqueue at a time, no shared-state locking, all state threaded
// through an explicit Context rather than package globals.
package engine

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/kornelski/dupe-krill/internal/descriptor"
	"github.com/kornelski/dupe-krill/internal/index"
	"github.com/kornelski/dupe-krill/internal/linker"
	"github.com/kornelski/dupe-krill/internal/registry"
)

// saltSize is the BLAKE2b key length used to salt every Content Key's
// hasher (SPEC_FULL.md §4.1: "the salt is supplied as the BLAKE2b key").
const saltSize = 32

// Counters mirrors the monotonically non-decreasing counters of
// SPEC_FULL.md §3.
type Counters struct {
	UniqueBodies              uint64
	ExistingHardlinksResolved uint64
	NewDupesLinked            uint64
	FilesScanned              uint64
	FilesSkipped              uint64
}

// Config carries the run-wide, user-selected settings.
type Config struct {
	Mode       linker.Mode
	DryRun     bool
	AllowSmall bool
	MinSize    int64
}

// Context is the explicit, non-global state threaded through one run
// (SPEC_FULL.md §4.7), as opposed to ambient package-level globals.
type Context struct {
	Salt     []byte
	Config   Config
	Counters Counters

	cancelled atomic.Bool
}

// NewContext generates a fresh process-scoped salt and returns a Context
// configured for one run.
func NewContext(cfg Config) (*Context, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("engine: generate salt: %w", err)
	}
	return &Context{Salt: salt, Config: cfg}, nil
}

// Cancel requests that the run stop at the next safe boundary. It is safe
// to call from a signal handler goroutine.
func (c *Context) Cancel() { c.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (c *Context) Cancelled() bool { return c.cancelled.Load() }

// Engine owns the Inode Registry and Duplicate Index for one run.
type Engine struct {
	ctx      *Context
	registry *registry.Registry
	index    *index.Index
}

// New returns an Engine ready to accept Enqueue calls for one run.
func New(ctx *Context) *Engine {
	return &Engine{ctx: ctx, registry: registry.New(), index: index.New()}
}

// Context returns the engine's run context, for callers that need to read
// counters or the cancellation flag.
func (e *Engine) Context() *Context { return e.ctx }

// Outcome classifies the result of an Enqueue call, mirroring the
// `scanned(path, outcome)` reporter event of SPEC_FULL.md §6.
type Outcome int

const (
	OutcomeUnique Outcome = iota
	OutcomeMergedExisting
	OutcomeLinkedNew
	OutcomeError
)

// PathOutcome reports what happened to a single path as a side effect of an
// Enqueue call that triggered a multi-path collapse (SPEC_FULL.md §4.3).
type PathOutcome struct {
	Path string
	Err  error // nil on success
}

// Result is the outcome of enqueueing one path.
type Result struct {
	Outcome      Outcome
	SurvivorPath string
	// SidePaths holds the per-path results for every OTHER path folded into
	// the survivor as a side effect of this enqueue (e.g. when a
	// pre-existing hardlink group of more than one path collapses against
	// an already-indexed duplicate in a single step). The path that
	// triggered this Enqueue call is never included here; its own outcome
	// is Result.Outcome/Err. It also carries, with its read error, the
	// first path of any already-indexed record that was dislodged from the
	// Duplicate Index because its own file could not be read.
	SidePaths []PathOutcome
	Err       error
}

// Enqueue implements SPEC_FULL.md §4.2-§4.3: look the path's inode up in the
// registry first (merging pre-existing hardlinks without comparison), and
// only if the inode is new, insert its Content Key into the Duplicate
// Index, triggering a Link Operation on equality.
func (e *Engine) Enqueue(path string, info os.FileInfo) Result {
	device, inode, nlink, err := descriptor.StatIdentity(info)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}

	if rec, ok := e.registry.Lookup(device, inode); ok {
		if rec.RedirectTo == nil {
			rec.AddPath(path)
			e.ctx.Counters.ExistingHardlinksResolved++
			return Result{Outcome: OutcomeMergedExisting, SurvivorPath: rec.FirstPath()}
		}
		// This inode was already folded into a survivor by an earlier
		// enqueue; this newly discovered path still lives on the old
		// inode and needs its own Link Operation now.
		survivor := descriptor.Resolve(rec)
		return e.linkSinglePath(survivor, path, rec)
	}

	rec := descriptor.New(path, info, device, inode, nlink, e.ctx.Salt)
	e.registry.Register(rec)

	result := e.index.Insert(rec)
	out := Result{}
	if result.Dislodged != nil {
		out.SidePaths = append(out.SidePaths, PathOutcome{Path: result.Dislodged.FirstPath(), Err: result.Err})
	}

	switch result.Outcome {
	case index.Inserted:
		e.ctx.Counters.UniqueBodies++
		out.Outcome = OutcomeUnique
		return out

	case index.Duplicate:
		linked, sidePaths, err := e.collapse(result.Survivor, rec)
		e.ctx.Counters.NewDupesLinked += uint64(linked)
		out.SidePaths = append(out.SidePaths, sidePaths...)
		out.SurvivorPath = result.Survivor.FirstPath()
		if err != nil {
			out.Outcome = OutcomeError
			out.Err = err
			return out
		}
		out.Outcome = OutcomeLinkedNew
		return out

	default: // Errored
		rec.Key.Close()
		out.Outcome = OutcomeError
		out.Err = result.Err
		return out
	}
}

// collapse relinks every path in victim to survivor, per the Link Operation
// of SPEC_FULL.md §4.4, and marks victim as redirected so that any later
// path discovered on its original inode is individually relinked instead of
// silently merged into a dead record.
func (e *Engine) collapse(survivor, victim *descriptor.Record) (linked int, side []PathOutcome, err error) {
	paths := victim.Paths
	if e.ctx.Config.DryRun {
		victim.RedirectTo = survivor
		victim.Key.Close()
		return len(paths), nil, nil
	}

	var remaining []string
	for i, p := range paths {
		_, linkErr := linker.Link(e.ctx.Config.Mode, survivor.FirstPath(), victim, p)
		if linkErr != nil {
			remaining = append(remaining, p)
			if i == 0 {
				err = linkErr
			} else {
				side = append(side, PathOutcome{Path: p, Err: linkErr})
			}
			continue
		}
		// Under Reflink mode p gets its own inode, so this relaxes the
		// Paths-resolve-to-(Device,Inode) invariant in descriptor.go for
		// this entry; a later path landing on p's inode won't hit the
		// registry shortcut but still collapses correctly via the index.
		survivor.AddPath(p)
		linked++
		if i != 0 {
			side = append(side, PathOutcome{Path: p, Err: nil})
		}
	}

	victim.Paths = remaining
	victim.RedirectTo = survivor
	victim.Key.Close()
	return linked, side, err
}

// linkSinglePath performs a one-off Link Operation for a path discovered on
// an inode that was already folded into survivor by a previous enqueue.
func (e *Engine) linkSinglePath(survivor *descriptor.Record, path string, originalOwner *descriptor.Record) Result {
	if e.ctx.Config.DryRun {
		survivor.AddPath(path)
		e.ctx.Counters.NewDupesLinked++
		return Result{Outcome: OutcomeLinkedNew, SurvivorPath: survivor.FirstPath()}
	}

	// Build a throwaway record carrying just enough identity for the
	// pre-checks Link performs; originalOwner's Device/Inode/Size/ModTime
	// describe every path still on that inode, including this one.
	victim := &descriptor.Record{
		Device:  originalOwner.Device,
		Inode:   originalOwner.Inode,
		Size:    originalOwner.Size,
		ModTime: originalOwner.ModTime,
		Paths:   []string{path},
	}
	_, err := linker.Link(e.ctx.Config.Mode, survivor.FirstPath(), victim, path)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err, SurvivorPath: survivor.FirstPath()}
	}
	survivor.AddPath(path)
	e.ctx.Counters.NewDupesLinked++
	return Result{Outcome: OutcomeLinkedNew, SurvivorPath: survivor.FirstPath()}
}
