// Package scanner is the external driver named in SPEC_FULL.md §4.5: it
// owns the directory walk and the skip policy, feeding one path at a time
// into the engine and emitting one reporter event per path. None of this
// package's logic is part of the single-threaded "core" (Content Key,
// Inode Registry, Duplicate Index, Link Operation) — it is the thin shell
// around it.
package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kornelski/dupe-krill/internal/engine"
)

// Outcome classifies one scanned path for the reporter, matching the event
// kinds of SPEC_FULL.md §6.
type Outcome string

const (
	OutcomeSkippedSymlink Outcome = "skipped-sym"
	OutcomeSkippedSmall   Outcome = "skipped-small"
	OutcomeSkippedSpecial Outcome = "skipped-special"
	OutcomeUnique         Outcome = "unique"
	OutcomeMergedExisting Outcome = "merged-existing"
	OutcomeLinkedNew      Outcome = "linked-new"
	OutcomeError          Outcome = "error"
)

// Event is one scanned-path notification handed to the Reporter.
type Event struct {
	Path         string
	Outcome      Outcome
	SurvivorPath string
	Err          error
}

// Progress is a periodic or final counters snapshot handed to the Reporter.
type Progress struct {
	UniqueBodies uint64
	LinksMade    uint64
	FilesScanned uint64
	FilesSkipped uint64
}

// Reporter receives scan events and progress snapshots. The scanner and
// engine know nothing about how a Reporter renders them (SPEC_FULL.md §4.6).
type Reporter interface {
	Scanned(Event)
	Progress(Progress)
}

// Scanner walks the given paths depth-first and enqueues every regular file
// that survives the skip policy into the engine.
type Scanner struct {
	Engine   *engine.Engine
	Reporter Reporter
}

// New returns a Scanner driving eng and reporting through rep.
func New(eng *engine.Engine, rep Reporter) *Scanner {
	return &Scanner{Engine: eng, Reporter: rep}
}

// Run walks every root in order, stopping at the next path boundary once
// the engine's context has been cancelled (SPEC_FULL.md §5).
func (s *Scanner) Run(roots []string) error {
	for _, root := range roots {
		if s.Engine.Context().Cancelled() {
			break
		}
		err := filepath.WalkDir(root, s.visit)
		if err != nil {
			return fmt.Errorf("scanner: walk %s: %w", root, err)
		}
		s.reportProgress()
	}
	return nil
}

func (s *Scanner) visit(path string, d fs.DirEntry, walkErr error) error {
	if s.Engine.Context().Cancelled() {
		return filepath.SkipAll
	}
	if walkErr != nil {
		if d == nil {
			// The root itself could not be opened: a fatal error for Run.
			return walkErr
		}
		s.emitError(path, walkErr)
		return nil
	}
	if d.IsDir() {
		return nil
	}

	info, err := d.Info()
	if err != nil {
		s.emitError(path, err)
		return nil
	}

	if info.Mode()&os.ModeSymlink != 0 {
		s.emitSkip(path, OutcomeSkippedSymlink)
		return nil
	}
	if !info.Mode().IsRegular() {
		s.emitSkip(path, OutcomeSkippedSpecial)
		return nil
	}
	if info.Size() == 0 {
		s.emitSkip(path, OutcomeSkippedSmall)
		return nil
	}
	cfg := s.Engine.Context().Config
	if !cfg.AllowSmall && info.Size() < cfg.MinSize {
		s.emitSkip(path, OutcomeSkippedSmall)
		return nil
	}

	result := s.Engine.Enqueue(path, info)
	s.emitResult(path, result)
	for _, sp := range result.SidePaths {
		s.emitSidePath(sp, result.SurvivorPath)
	}
	s.reportProgress()
	return nil
}

func (s *Scanner) emitSkip(path string, outcome Outcome) {
	s.Engine.Context().Counters.FilesSkipped++
	s.Reporter.Scanned(Event{Path: path, Outcome: outcome})
}

func (s *Scanner) emitError(path string, err error) {
	s.Engine.Context().Counters.FilesSkipped++
	s.Reporter.Scanned(Event{Path: path, Outcome: OutcomeError, Err: err})
}

func (s *Scanner) emitResult(path string, result engine.Result) {
	s.Engine.Context().Counters.FilesScanned++
	ev := Event{Path: path, SurvivorPath: result.SurvivorPath, Err: result.Err}
	switch result.Outcome {
	case engine.OutcomeUnique:
		ev.Outcome = OutcomeUnique
	case engine.OutcomeMergedExisting:
		ev.Outcome = OutcomeMergedExisting
	case engine.OutcomeLinkedNew:
		ev.Outcome = OutcomeLinkedNew
	default:
		ev.Outcome = OutcomeError
	}
	s.Reporter.Scanned(ev)
}

func (s *Scanner) emitSidePath(sp engine.PathOutcome, survivorPath string) {
	s.Engine.Context().Counters.FilesScanned++
	outcome := OutcomeLinkedNew
	if sp.Err != nil {
		outcome = OutcomeError
	}
	s.Reporter.Scanned(Event{Path: sp.Path, Outcome: outcome, SurvivorPath: survivorPath, Err: sp.Err})
}

func (s *Scanner) reportProgress() {
	c := s.Engine.Context().Counters
	s.Reporter.Progress(Progress{
		UniqueBodies: c.UniqueBodies,
		LinksMade:    c.ExistingHardlinksResolved + c.NewDupesLinked,
		FilesScanned: c.FilesScanned,
		FilesSkipped: c.FilesSkipped,
	})
}
