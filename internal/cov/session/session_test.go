package session

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/covtrace/internal/cov/collector"
	"github.com/kolkov/covtrace/internal/cov/unit"
)

// andUnit models `if x > 0 and y > 0: then else: else` on lines 1-4.
func andUnit() *unit.Unit {
	return unit.New("calc.src", "check", []unit.Instruction{
		{Offset: 0, Op: unit.OpExec, Line: 1},
		{Offset: 2, Op: unit.OpJumpIfFalse, Arg: 12, Line: 1},
		{Offset: 4, Op: unit.OpExec, Line: 1},
		{Offset: 6, Op: unit.OpJumpIfFalse, Arg: 12, Line: 1},
		{Offset: 8, Op: unit.OpExec, Line: 2},
		{Offset: 10, Op: unit.OpJump, Arg: 14, Line: 2},
		{Offset: 12, Op: unit.OpExec, Line: 3},
		{Offset: 14, Op: unit.OpReturn, Line: 4},
	})
}

func line(u *unit.Unit, ln, off int) collector.Event {
	return collector.Event{Kind: collector.KindLine, Unit: u, Line: ln, Offset: off}
}

func op(u *unit.Unit, off int) collector.Event {
	return collector.Event{Kind: collector.KindOpcode, Unit: u, Offset: off}
}

// Event traces for the three runs of andUnit.
func thenEvents(u *unit.Unit) []collector.Event { // x=1, y=1
	return []collector.Event{
		{Kind: collector.KindCall},
		line(u, 1, 0), op(u, 2), op(u, 4), op(u, 6),
		line(u, 2, 8), op(u, 10),
		line(u, 4, 14),
		{Kind: collector.KindReturn},
	}
}

func elseFirstEvents(u *unit.Unit) []collector.Event { // x=-1
	return []collector.Event{
		{Kind: collector.KindCall},
		line(u, 1, 0), op(u, 2),
		line(u, 3, 12),
		line(u, 4, 14),
		{Kind: collector.KindReturn},
	}
}

func elseSecondEvents(u *unit.Unit) []collector.Event { // x=1, y=-1
	return []collector.Event{
		{Kind: collector.KindCall},
		line(u, 1, 0), op(u, 2), op(u, 4), op(u, 6),
		line(u, 3, 12),
		line(u, 4, 14),
		{Kind: collector.KindReturn},
	}
}

// runSession simulates one process: a fresh Session over the shared data
// file, recording events under label, then stopping (which flushes).
func runSession(t *testing.T, dataFile string, reg *unit.Registry, label string, events []collector.Event) {
	t.Helper()
	s := New(Config{DataFile: dataFile, Units: reg, Warn: os.Stderr})
	s.Start()
	s.SwitchContext(label)
	require.NoError(t, s.Attach(&collector.BatchSource{Events: events}))
	require.NoError(t, s.Stop())
}

func TestLifecycle(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{DataFile: filepath.Join(dir, ".covtrace")})

	assert.False(t, s.Active())
	s.Start()
	assert.True(t, s.Active())

	// Stopping an empty session flushes nothing and creates no files.
	require.NoError(t, s.Stop())
	assert.False(t, s.Active())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStopFlushesPartialRecord(t *testing.T) {
	dir := t.TempDir()
	dataFile := filepath.Join(dir, ".covtrace")
	reg := unit.NewRegistry()
	u := andUnit()

	runSession(t, dataFile, reg, "T1", thenEvents(u))

	matches, err := filepath.Glob(dataFile + ".*.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1, "Stop should leave exactly one partial record")

	// The unit seen during collection lands in the shared registry.
	assert.NotNil(t, reg.Lookup("calc.src"))
}

// TestReportAcrossSessions runs the full pipeline: three independent
// sessions (as three processes would), then a merge-and-analyze pass.
func TestReportAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	dataFile := filepath.Join(dir, ".covtrace")
	reg := unit.NewRegistry()
	u := andUnit()

	runSession(t, dataFile, reg, "T1", thenEvents(u))
	runSession(t, dataFile, reg, "T2", elseFirstEvents(u))
	runSession(t, dataFile, reg, "T3", elseSecondEvents(u))

	var warnings bytes.Buffer
	rep, err := New(Config{DataFile: dataFile, Units: reg, Warn: &warnings}).Report()
	require.NoError(t, err)
	require.Len(t, rep.Files, 1)

	fr := rep.Files[0]
	assert.Equal(t, "calc.src", fr.File)
	assert.NoError(t, fr.StructuralErr)

	assert.Equal(t, 100.0, fr.Statement.Pct, "all four lines executed across runs")
	assert.Equal(t, 100.0, fr.Branch.Pct, "both branch outcomes taken")
	assert.Equal(t, 100.0, fr.Condition.Pct, "all four condition arcs observed")

	require.Len(t, fr.Decisions, 1)
	d := fr.Decisions[0]
	assert.True(t, d.Complete(), "union across contexts satisfies MC/DC")

	// No single context shows any condition on its own; completeness comes
	// from the union.
	for _, label := range []string{"T1", "T2", "T3"} {
		flags, ok := d.ByContext[label]
		require.True(t, ok, "missing per-context result for %s", label)
		assert.False(t, flags.Complete(), "context %s alone should not be complete", label)
	}

	labels := make([]string, 0, len(rep.Contexts))
	for _, l := range rep.Contexts {
		labels = append(labels, l)
	}
	assert.ElementsMatch(t, []string{"default", "T1", "T2", "T3"}, labels)

	// Report consumed the partial records.
	matches, err := filepath.Glob(dataFile + ".*.*")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

// TestReportIncompleteMCDC: without the (A=true, B=false) run the second
// condition is never independently shown.
func TestReportIncompleteMCDC(t *testing.T) {
	dir := t.TempDir()
	dataFile := filepath.Join(dir, ".covtrace")
	reg := unit.NewRegistry()
	u := andUnit()

	runSession(t, dataFile, reg, "T1", thenEvents(u))
	runSession(t, dataFile, reg, "T2", elseFirstEvents(u))

	rep, err := New(Config{DataFile: dataFile, Units: reg, Warn: os.Stderr}).Report()
	require.NoError(t, err)
	require.Len(t, rep.Files, 1)

	fr := rep.Files[0]
	assert.Equal(t, 100.0, fr.Statement.Pct)
	assert.Equal(t, 100.0, fr.Branch.Pct, "branch coverage is already full here")
	assert.Equal(t, 75.0, fr.Condition.Pct, "arc 6->12 never observed")

	require.Len(t, fr.Decisions, 1)
	d := fr.Decisions[0]
	assert.False(t, d.Complete())
	require.Len(t, d.Flags, 2)
	assert.True(t, d.Flags[0], "first condition shown by T1+T2")
	assert.False(t, d.Flags[1], "second condition lacks its jump arc")
}

// TestReportStructuralError: a malformed unit degrades to statement-only
// coverage instead of failing the report.
func TestReportStructuralError(t *testing.T) {
	dir := t.TempDir()
	dataFile := filepath.Join(dir, ".covtrace")
	reg := unit.NewRegistry()

	// Jump to +99 dangles.
	bad := unit.New("bad.src", "f", []unit.Instruction{
		{Offset: 0, Op: unit.OpExec, Line: 1},
		{Offset: 2, Op: unit.OpJumpIfFalse, Arg: 99, Line: 1},
		{Offset: 4, Op: unit.OpReturn, Line: 2},
	})

	runSession(t, dataFile, reg, "default", []collector.Event{
		{Kind: collector.KindCall},
		line(bad, 1, 0), op(bad, 2),
		line(bad, 2, 4),
		{Kind: collector.KindReturn},
	})

	var warnings bytes.Buffer
	rep, err := New(Config{DataFile: dataFile, Units: reg, Warn: &warnings}).Report()
	require.NoError(t, err)
	require.Len(t, rep.Files, 1)

	fr := rep.Files[0]
	assert.Error(t, fr.StructuralErr)
	assert.Equal(t, 100.0, fr.Statement.Pct, "statement coverage survives the bad CFG")
	assert.Empty(t, fr.Branch.Possible)
	assert.Empty(t, fr.Decisions)
	assert.Contains(t, warnings.String(), "branch/condition coverage skipped")
}

// TestReportSkipsUnregisteredFiles: data without a compiled unit cannot be
// analyzed and is skipped with a warning.
func TestReportSkipsUnregisteredFiles(t *testing.T) {
	dir := t.TempDir()
	dataFile := filepath.Join(dir, ".covtrace")

	// This session's registry is discarded, so the reporting session has no
	// unit for calc.src.
	runSession(t, dataFile, unit.NewRegistry(), "default", thenEvents(andUnit()))

	var warnings bytes.Buffer
	rep, err := New(Config{DataFile: dataFile, Warn: &warnings}).Report()
	require.NoError(t, err)

	assert.Empty(t, rep.Files)
	assert.Contains(t, warnings.String(), "no compiled unit registered for calc.src")
}

func TestExcludedLinesDropDecisions(t *testing.T) {
	dir := t.TempDir()
	dataFile := filepath.Join(dir, ".covtrace")
	reg := unit.NewRegistry()
	u := andUnit()

	runSession(t, dataFile, reg, "T1", thenEvents(u))

	rep, err := New(Config{
		DataFile: dataFile,
		Units:    reg,
		Excluded: map[string]map[int]struct{}{"calc.src": {1: {}}},
		Warn:     os.Stderr,
	}).Report()
	require.NoError(t, err)
	require.Len(t, rep.Files, 1)

	fr := rep.Files[0]
	assert.Empty(t, fr.Decisions, "the decision on the excluded line is dropped")
	assert.Equal(t, 100.0, fr.Condition.Pct, "its arcs leave the possible set too")
}
