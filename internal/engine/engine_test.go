package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kornelski/dupe-krill/internal/linker"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, dryRun bool) *Engine {
	t.Helper()
	ctx, err := NewContext(Config{Mode: linker.Hardlink, DryRun: dryRun})
	require.NoError(t, err)
	return New(ctx)
}

func enqueue(t *testing.T, e *Engine, path string) Result {
	t.Helper()
	info, err := os.Lstat(path)
	require.NoError(t, err)
	return e.Enqueue(path, info)
}

func TestS1TwoIdenticalFilesLinkTogether(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("hello", 2000)
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte(body), 0o644))
	require.NoError(t, os.WriteFile(b, []byte(body), 0o644))

	e := newEngine(t, false)
	r1 := enqueue(t, e, a)
	require.Equal(t, OutcomeUnique, r1.Outcome)
	r2 := enqueue(t, e, b)
	require.Equal(t, OutcomeLinkedNew, r2.Outcome)

	ia, _ := os.Lstat(a)
	ib, _ := os.Lstat(b)
	require.True(t, os.SameFile(ia, ib))

	contentA, _ := os.ReadFile(a)
	contentB, _ := os.ReadFile(b)
	require.Equal(t, body, string(contentA))
	require.Equal(t, body, string(contentB))

	require.Equal(t, uint64(1), e.ctx.Counters.UniqueBodies)
	require.Equal(t, uint64(1), e.ctx.Counters.NewDupesLinked)
}

func TestS2DifferingNearEndNeverLinks(t *testing.T) {
	dir := t.TempDir()
	size := 8 * 1024 * 1024
	bufA := make([]byte, size)
	bufB := make([]byte, size)
	for i := range bufA {
		bufA[i] = 'x'
		bufB[i] = 'x'
	}
	bufB[7*1024*1024] = 'y'
	a := filepath.Join(dir, "big1")
	b := filepath.Join(dir, "big2")
	require.NoError(t, os.WriteFile(a, bufA, 0o644))
	require.NoError(t, os.WriteFile(b, bufB, 0o644))

	e := newEngine(t, false)
	r1 := enqueue(t, e, a)
	require.Equal(t, OutcomeUnique, r1.Outcome)
	r2 := enqueue(t, e, b)
	require.Equal(t, OutcomeUnique, r2.Outcome)

	ia, _ := os.Lstat(a)
	ib, _ := os.Lstat(b)
	require.False(t, os.SameFile(ia, ib))
	require.Equal(t, uint64(2), e.ctx.Counters.UniqueBodies)
	require.Equal(t, uint64(0), e.ctx.Counters.NewDupesLinked)
}

func TestS3PreexistingHardlinkPlusDuplicate(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("q", 9000)
	x := filepath.Join(dir, "x")
	y := filepath.Join(dir, "y")
	z := filepath.Join(dir, "z")
	require.NoError(t, os.WriteFile(x, []byte(body), 0o644))
	require.NoError(t, os.Link(x, y))
	require.NoError(t, os.WriteFile(z, []byte(body), 0o644))

	e := newEngine(t, false)
	require.Equal(t, OutcomeUnique, enqueue(t, e, x).Outcome)
	require.Equal(t, OutcomeMergedExisting, enqueue(t, e, y).Outcome)
	require.Equal(t, OutcomeLinkedNew, enqueue(t, e, z).Outcome)

	ix, _ := os.Lstat(x)
	iy, _ := os.Lstat(y)
	iz, _ := os.Lstat(z)
	require.True(t, os.SameFile(ix, iy))
	require.True(t, os.SameFile(ix, iz))

	require.Equal(t, uint64(1), e.ctx.Counters.ExistingHardlinksResolved)
	require.Equal(t, uint64(1), e.ctx.Counters.NewDupesLinked)
}

func TestDryRunNeverMutatesFilesystem(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("hello", 2000)
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte(body), 0o644))
	require.NoError(t, os.WriteFile(b, []byte(body), 0o644))

	e := newEngine(t, true)
	require.Equal(t, OutcomeUnique, enqueue(t, e, a).Outcome)
	r2 := enqueue(t, e, b)
	require.Equal(t, OutcomeLinkedNew, r2.Outcome)

	ia, _ := os.Lstat(a)
	ib, _ := os.Lstat(b)
	require.False(t, os.SameFile(ia, ib))
	require.Equal(t, uint64(1), e.ctx.Counters.NewDupesLinked)
}

func TestIdempotentSecondRunLinksNothing(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("hello", 2000)
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte(body), 0o644))
	require.NoError(t, os.WriteFile(b, []byte(body), 0o644))

	e1 := newEngine(t, false)
	enqueue(t, e1, a)
	enqueue(t, e1, b)

	e2 := newEngine(t, false)
	require.Equal(t, OutcomeUnique, enqueue(t, e2, a).Outcome)
	r2 := enqueue(t, e2, b)
	require.Equal(t, OutcomeMergedExisting, r2.Outcome)
	require.Equal(t, uint64(0), e2.ctx.Counters.NewDupesLinked)
}

func TestTwoPreexistingGroupsCollapseIntoOneSurvivor(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("r", 4096)
	x := filepath.Join(dir, "x")
	y := filepath.Join(dir, "y")
	z := filepath.Join(dir, "z")
	w := filepath.Join(dir, "w")
	require.NoError(t, os.WriteFile(x, []byte(body), 0o644))
	require.NoError(t, os.Link(x, y))
	require.NoError(t, os.WriteFile(z, []byte(body), 0o644))
	require.NoError(t, os.Link(z, w))

	e := newEngine(t, false)
	enqueue(t, e, x)
	enqueue(t, e, y)
	enqueue(t, e, z)
	enqueue(t, e, w)

	ix, _ := os.Lstat(x)
	iy, _ := os.Lstat(y)
	iz, _ := os.Lstat(z)
	iw, _ := os.Lstat(w)
	require.True(t, os.SameFile(ix, iy))
	require.True(t, os.SameFile(ix, iz))
	require.True(t, os.SameFile(ix, iw))
	// y merges into x's group via the registry alone (same inode, no
	// comparison needed); z collapses into x's group by content match, and
	// w - discovered afterward still sharing z's original, now-redirected
	// inode - needs its own Link Operation against the resolved survivor.
	require.Equal(t, uint64(1), e.ctx.Counters.ExistingHardlinksResolved)
	require.Equal(t, uint64(2), e.ctx.Counters.NewDupesLinked)
}

func TestTwoPreexistingGroupsDryRunNeverMutatesFilesystem(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("r", 4096)
	x := filepath.Join(dir, "x")
	y := filepath.Join(dir, "y")
	z := filepath.Join(dir, "z")
	w := filepath.Join(dir, "w")
	require.NoError(t, os.WriteFile(x, []byte(body), 0o644))
	require.NoError(t, os.Link(x, y))
	require.NoError(t, os.WriteFile(z, []byte(body), 0o644))
	require.NoError(t, os.Link(z, w))

	e := newEngine(t, true)
	enqueue(t, e, x)
	enqueue(t, e, y)
	enqueue(t, e, z)
	enqueue(t, e, w)

	// w reaches linkSinglePath via the registry-redirect branch (z was
	// "collapsed" into x earlier in this same dry run); that branch must
	// honor dry-run just like collapse does, leaving z and w's real inode
	// untouched.
	ix, _ := os.Lstat(x)
	iz, _ := os.Lstat(z)
	iw, _ := os.Lstat(w)
	require.False(t, os.SameFile(ix, iz))
	require.True(t, os.SameFile(iz, iw))

	require.Equal(t, uint64(1), e.ctx.Counters.ExistingHardlinksResolved)
	require.Equal(t, uint64(2), e.ctx.Counters.NewDupesLinked)
}
