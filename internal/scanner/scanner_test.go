package scanner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kornelski/dupe-krill/internal/engine"
	"github.com/kornelski/dupe-krill/internal/linker"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	events   []Event
	progress []Progress
}

func (f *fakeReporter) Scanned(e Event)    { f.events = append(f.events, e) }
func (f *fakeReporter) Progress(p Progress) { f.progress = append(f.progress, p) }

func (f *fakeReporter) outcomesFor(path string) []Outcome {
	var out []Outcome
	for _, e := range f.events {
		if e.Path == path {
			out = append(out, e.Outcome)
		}
	}
	return out
}

func newScanner(t *testing.T, cfg engine.Config) (*Scanner, *fakeReporter) {
	t.Helper()
	ctx, err := engine.NewContext(cfg)
	require.NoError(t, err)
	eng := engine.New(ctx)
	rep := &fakeReporter{}
	return New(eng, rep), rep
}

func TestScanLinksDuplicatesAndSkipsSmall(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("dup", 4000)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny"), []byte("x"), 0o644))

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "c"), []byte(body), 0o644))

	s, rep := newScanner(t, engine.Config{Mode: linker.Hardlink, MinSize: 1024})
	require.NoError(t, s.Run([]string{dir}))

	require.Equal(t, []Outcome{OutcomeUnique}, rep.outcomesFor(filepath.Join(dir, "a")))
	require.Equal(t, []Outcome{OutcomeLinkedNew}, rep.outcomesFor(filepath.Join(dir, "b")))
	require.Equal(t, []Outcome{OutcomeLinkedNew}, rep.outcomesFor(filepath.Join(sub, "c")))
	require.Equal(t, []Outcome{OutcomeSkippedSmall}, rep.outcomesFor(filepath.Join(dir, "tiny")))

	require.NotEmpty(t, rep.progress)
	last := rep.progress[len(rep.progress)-1]
	require.Equal(t, uint64(1), last.UniqueBodies)
	require.Equal(t, uint64(2), last.LinksMade)
}

func TestScanSkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	require.NoError(t, os.WriteFile(target, []byte(strings.Repeat("z", 2000)), 0o644))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	s, rep := newScanner(t, engine.Config{Mode: linker.Hardlink, MinSize: 1024})
	require.NoError(t, s.Run([]string{dir}))

	require.Equal(t, []Outcome{OutcomeSkippedSymlink}, rep.outcomesFor(link))
}

func TestScanRespectsCancellation(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(rune('a'+i))), []byte(strings.Repeat("q", 2000)), 0o644))
	}

	s, _ := newScanner(t, engine.Config{Mode: linker.Hardlink, MinSize: 1024})
	s.Engine.Context().Cancel()
	require.NoError(t, s.Run([]string{dir}))
	require.Equal(t, uint64(0), s.Engine.Context().Counters.FilesScanned)
}
