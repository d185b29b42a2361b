package collector

import (
	"reflect"
	"sync"
	"testing"

	"github.com/kolkov/covtrace/internal/cov/unit"
)

// testUnit builds a minimal unit for a file; the collector only consults the
// file identity, not the instruction stream.
func testUnit(file string) *unit.Unit {
	return unit.New(file, "f", []unit.Instruction{
		{Offset: 0, Op: unit.OpExec, Line: 1},
		{Offset: 2, Op: unit.OpReturn, Line: 2},
	})
}

func lineEvent(u *unit.Unit, line, offset int) Event {
	return Event{Kind: KindLine, Unit: u, Line: line, Offset: offset}
}

func opcodeEvent(u *unit.Unit, offset int) Event {
	return Event{Kind: KindOpcode, Unit: u, Offset: offset}
}

// TestLineSetIgnoresDuplicates verifies the recorded line set equals the set
// of distinct line numbers observed, regardless of ordering or duplicates.
func TestLineSetIgnoresDuplicates(t *testing.T) {
	tests := []struct {
		name  string
		lines []int
		want  map[int]struct{}
	}{
		{
			name:  "distinct",
			lines: []int{1, 2, 3},
			want:  map[int]struct{}{1: {}, 2: {}, 3: {}},
		},
		{
			name:  "duplicates",
			lines: []int{1, 1, 2, 1, 2, 2},
			want:  map[int]struct{}{1: {}, 2: {}},
		},
		{
			name:  "reverse order",
			lines: []int{3, 2, 1},
			want:  map[int]struct{}{1: {}, 2: {}, 3: {}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(nil, nil)
			r := c.NewRecorder()
			u := testUnit("a.src")
			for i, line := range tt.lines {
				r.OnEvent(lineEvent(u, line, i*2))
			}

			snap := c.Snapshot()
			got := snap.Lines[Key{File: "a.src", Context: 0}]
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("line set = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestArcSuppressionAcrossCallReturn verifies no arc is recorded across a
// function boundary: a line event immediately after a return must not
// produce an arc from the pre-call line.
func TestArcSuppressionAcrossCallReturn(t *testing.T) {
	c := New(nil, nil)
	r := c.NewRecorder()
	u := testUnit("a.src")
	callee := testUnit("b.src")

	r.OnEvent(lineEvent(u, 1, 0))
	r.OnEvent(Event{Kind: KindCall, Unit: callee})
	r.OnEvent(lineEvent(callee, 10, 0))
	r.OnEvent(Event{Kind: KindReturn, Unit: callee})
	r.OnEvent(lineEvent(u, 2, 2))

	snap := c.Snapshot()
	key := Key{File: "a.src", Context: 0}
	if arcs := snap.LineArcs[key]; len(arcs) != 0 {
		t.Errorf("arcs across call/return boundary recorded: %v", arcs)
	}
	if arcs := snap.InstrArcs[key]; len(arcs) != 0 {
		t.Errorf("instruction arcs across call/return boundary recorded: %v", arcs)
	}

	// Both lines themselves must still be present.
	wantLines := map[int]struct{}{1: {}, 2: {}}
	if got := snap.Lines[key]; !reflect.DeepEqual(got, wantLines) {
		t.Errorf("lines = %v, want %v", got, wantLines)
	}
}

// TestArcsWithinFunction verifies line and instruction arcs inside one
// function body.
func TestArcsWithinFunction(t *testing.T) {
	c := New(nil, nil)
	r := c.NewRecorder()
	u := testUnit("a.src")

	r.OnEvent(lineEvent(u, 1, 0))
	r.OnEvent(opcodeEvent(u, 2))
	r.OnEvent(opcodeEvent(u, 4))
	r.OnEvent(lineEvent(u, 2, 6))

	snap := c.Snapshot()
	key := Key{File: "a.src", Context: 0}

	wantLineArcs := map[unit.LineArc]struct{}{{From: 1, To: 2}: {}}
	if got := snap.LineArcs[key]; !reflect.DeepEqual(got, wantLineArcs) {
		t.Errorf("line arcs = %v, want %v", got, wantLineArcs)
	}

	wantInstr := map[unit.InstrArc]struct{}{
		{From: 0, To: 2}: {},
		{From: 2, To: 4}: {},
		{From: 4, To: 6}: {},
	}
	if got := snap.InstrArcs[key]; !reflect.DeepEqual(got, wantInstr) {
		t.Errorf("instruction arcs = %v, want %v", got, wantInstr)
	}
}

// TestTraceabilityMemoized verifies the predicate runs once per file per
// recorder and that untraceable files produce no buffer mutations.
func TestTraceabilityMemoized(t *testing.T) {
	calls := map[string]int{}
	c := New(func(file string) bool {
		calls[file]++
		return file != "skip.src"
	}, nil)
	r := c.NewRecorder()

	traced := testUnit("a.src")
	skipped := testUnit("skip.src")
	for i := 0; i < 5; i++ {
		r.OnEvent(lineEvent(traced, 1, 0))
		r.OnEvent(lineEvent(skipped, 7, 0))
	}

	if calls["a.src"] != 1 || calls["skip.src"] != 1 {
		t.Errorf("predicate calls = %v, want one per file", calls)
	}

	snap := c.Snapshot()
	if _, ok := snap.Lines[Key{File: "skip.src", Context: 0}]; ok {
		t.Error("untraceable file leaked into the buffers")
	}
	if _, ok := snap.Units["skip.src"]; ok {
		t.Error("untraceable unit registered in snapshot")
	}
}

// TestUntraceableExcursionClearsCursors verifies that passing through an
// untraceable file suppresses the arc that would span it.
func TestUntraceableExcursionClearsCursors(t *testing.T) {
	c := New(func(file string) bool { return file != "vendor.src" }, nil)
	r := c.NewRecorder()
	u := testUnit("a.src")
	vendored := testUnit("vendor.src")

	r.OnEvent(lineEvent(u, 1, 0))
	r.OnEvent(lineEvent(vendored, 99, 0))
	r.OnEvent(lineEvent(u, 2, 2))

	snap := c.Snapshot()
	if arcs := snap.LineArcs[Key{File: "a.src", Context: 0}]; len(arcs) != 0 {
		t.Errorf("arc recorded across untraceable excursion: %v", arcs)
	}
}

// TestContextPartitioning verifies a context switch routes subsequent events
// to the new context's buffers.
func TestContextPartitioning(t *testing.T) {
	c := New(nil, nil)
	r := c.NewRecorder()
	u := testUnit("a.src")

	r.OnEvent(lineEvent(u, 1, 0))
	c.SwitchContext("T1")
	r.OnEvent(lineEvent(u, 2, 2))

	snap := c.Snapshot()
	t1 := c.Resolver().Snapshot()
	var t1id int
	for id, label := range t1 {
		if label == "T1" {
			t1id = id
		}
	}

	if _, ok := snap.Lines[Key{File: "a.src", Context: 0}][1]; !ok {
		t.Error("line 1 missing from default context")
	}
	if _, ok := snap.Lines[Key{File: "a.src", Context: t1id}][2]; !ok {
		t.Error("line 2 missing from context T1")
	}
}

// TestSnapshotUnionsRecorders verifies buffers of concurrently owned
// recorders are unioned without sharing mutable state during collection.
func TestSnapshotUnionsRecorders(t *testing.T) {
	c := New(nil, nil)
	u := testUnit("a.src")

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			r := c.NewRecorder()
			for i := 0; i < 10; i++ {
				r.OnEvent(lineEvent(u, g*10+i, i*2))
			}
		}(g)
	}
	wg.Wait()

	snap := c.Snapshot()
	got := snap.Lines[Key{File: "a.src", Context: 0}]
	if len(got) != 40 {
		t.Errorf("union holds %d lines, want 40", len(got))
	}
}

// TestBatchSource verifies the batch delivery variant replays into a sink.
func TestBatchSource(t *testing.T) {
	c := New(nil, nil)
	r := c.NewRecorder()
	u := testUnit("a.src")

	src := &BatchSource{Events: []Event{
		lineEvent(u, 1, 0),
		lineEvent(u, 2, 2),
		{Kind: KindReturn},
	}}
	if err := src.Attach(r); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := src.Detach(); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}

	snap := c.Snapshot()
	key := Key{File: "a.src", Context: 0}
	if len(snap.Lines[key]) != 2 {
		t.Errorf("replayed lines = %v", snap.Lines[key])
	}
}

// TestSnapshotEmpty verifies Empty on fresh and populated snapshots.
func TestSnapshotEmpty(t *testing.T) {
	c := New(nil, nil)
	if !c.Snapshot().Empty() {
		t.Error("fresh snapshot not empty")
	}

	r := c.NewRecorder()
	r.OnEvent(lineEvent(testUnit("a.src"), 1, 0))
	if c.Snapshot().Empty() {
		t.Error("populated snapshot reported empty")
	}
}
