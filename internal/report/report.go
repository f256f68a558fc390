// Package report implements the two Reporter shapes named in SPEC_FULL.md
// §4.6: a human-readable mode built on logrus and go-humanize, and a
// newline-delimited JSON mode for machine consumers. Neither the scanner nor
// the engine know which one is in use.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/kornelski/dupe-krill/internal/scanner"
	"github.com/sirupsen/logrus"
)

// Human is a scanner.Reporter that logs one structured line per event via
// logrus, a debug-level humanize-formatted counters line on every progress
// update, and a final summary line when Summary is called.
type Human struct {
	Log     *logrus.Logger
	Verbose bool // log "unique" events too, not just merges and links
}

// NewHuman returns a Human reporter writing to out. Verbose raises the
// logger to debug level so unique/skipped events and progress lines (logged
// at debug) are actually emitted; without it the logger stays at its
// default info level and only merges, links and failures are printed.
func NewHuman(out io.Writer, verbose bool) *Human {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return &Human{Log: log, Verbose: verbose}
}

func (h *Human) Scanned(e scanner.Event) {
	fields := logrus.Fields{"path": e.Path}
	if e.SurvivorPath != "" {
		fields["survivor"] = e.SurvivorPath
	}

	switch e.Outcome {
	case scanner.OutcomeUnique:
		if h.Verbose {
			h.Log.WithFields(fields).Debug("unique content")
		}
	case scanner.OutcomeMergedExisting:
		h.Log.WithFields(fields).Info("merged into existing hardlink group")
	case scanner.OutcomeLinkedNew:
		h.Log.WithFields(fields).Info("linked duplicate")
	case scanner.OutcomeSkippedSymlink, scanner.OutcomeSkippedSmall, scanner.OutcomeSkippedSpecial:
		if h.Verbose {
			h.Log.WithFields(fields).Debug("skipped")
		}
	case scanner.OutcomeError:
		h.Log.WithFields(fields).WithError(e.Err).Warn("failed")
	}
}

func (h *Human) Progress(p scanner.Progress) {
	h.Log.WithFields(logrus.Fields{
		"scanned": humanize.Comma(int64(p.FilesScanned)),
		"skipped": humanize.Comma(int64(p.FilesSkipped)),
		"unique":  humanize.Comma(int64(p.UniqueBodies)),
		"linked":  humanize.Comma(int64(p.LinksMade)),
	}).Debug("progress")
}

// Summary writes the final human-readable tally once a run completes.
func (h *Human) Summary(p scanner.Progress) {
	fmt.Fprintf(h.Log.Out, "scanned %s files (%s skipped): %s unique bodies, %s paths linked\n",
		humanize.Comma(int64(p.FilesScanned)),
		humanize.Comma(int64(p.FilesSkipped)),
		humanize.Comma(int64(p.UniqueBodies)),
		humanize.Comma(int64(p.LinksMade)),
	)
}

// JSON is a scanner.Reporter emitting one JSON object per line for every
// event and progress update, for the --json CLI flag.
type JSON struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSON returns a JSON reporter writing newline-delimited records to out.
func NewJSON(out io.Writer) *JSON {
	return &JSON{enc: json.NewEncoder(out)}
}

type scanRecord struct {
	Type         string `json:"type"`
	Path         string `json:"path"`
	Outcome      string `json:"outcome"`
	SurvivorPath string `json:"survivor_path,omitempty"`
	Error        string `json:"error,omitempty"`
}

type progressRecord struct {
	Type         string `json:"type"`
	UniqueBodies uint64 `json:"unique_bodies"`
	LinksMade    uint64 `json:"links_made"`
	FilesScanned uint64 `json:"files_scanned"`
	FilesSkipped uint64 `json:"files_skipped"`
}

func (j *JSON) Scanned(e scanner.Event) {
	rec := scanRecord{Type: "scanned", Path: e.Path, Outcome: string(e.Outcome), SurvivorPath: e.SurvivorPath}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(rec)
}

func (j *JSON) Progress(p scanner.Progress) {
	rec := progressRecord{
		Type:         "progress",
		UniqueBodies: p.UniqueBodies,
		LinksMade:    p.LinksMade,
		FilesScanned: p.FilesScanned,
		FilesSkipped: p.FilesSkipped,
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(rec)
}
