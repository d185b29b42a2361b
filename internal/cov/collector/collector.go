// Package collector implements the low-overhead execution-event collector.
//
// The collector receives raw execution events (line entered, instruction
// executed, call, return) from an instrumentation hook and records them into
// per-goroutine trace buffers. The design goal is a lock-free hot path:
//
//   - Each executing goroutine owns one Recorder. All buffer and cursor
//     mutation happens on that goroutine with no synchronization.
//   - Recorders for different goroutines never share mutable sets, even for
//     the same file and context. Their buffers are unioned only at snapshot
//     time, after collection has stopped.
//   - File traceability is memoized per Recorder the first time a file is
//     seen, so the filtering predicate runs at most once per file per
//     goroutine.
//
// Arc recording uses last-line / last-file / last-offset cursors. The cursors
// are cleared whenever a call or return event is observed, which prevents
// recording an arc that crosses a function boundary; such arcs would corrupt
// branch and MC/DC results.
package collector

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/covtrace/internal/cov/contextid"
	"github.com/kolkov/covtrace/internal/cov/unit"
)

// Kind identifies the type of an execution event.
type Kind uint8

const (
	// KindCall is delivered when instrumented code enters a function.
	KindCall Kind = iota
	// KindReturn is delivered when instrumented code leaves a function.
	KindReturn
	// KindLine is delivered when a new source line starts executing.
	KindLine
	// KindOpcode is delivered when an individual instruction executes.
	KindOpcode
)

// String returns the event kind name.
func (k Kind) String() string {
	switch k {
	case KindCall:
		return "CALL"
	case KindReturn:
		return "RETURN"
	case KindLine:
		return "LINE"
	case KindOpcode:
		return "OPCODE"
	default:
		return "UNKNOWN"
	}
}

// Event is one raw execution event from the instrumentation hook.
//
// Line events carry both the source line and the current instruction offset;
// opcode events carry the offset only. Call and return events may carry a nil
// Unit (only the cursor reset matters for them).
type Event struct {
	Kind   Kind
	Unit   *unit.Unit
	Line   int
	Offset int
}

// EventSink receives execution events. Recorder is the canonical sink.
type EventSink interface {
	OnEvent(ev Event)
}

// EventSource abstracts the host execution engine that produces events.
//
// The core never depends on a concrete host binding; a binding implements
// EventSource by hooking the host's tracing facility and delivering events
// to the sink on the executing thread. Attach must deliver all subsequent
// events to sink until Detach is called.
type EventSource interface {
	Attach(sink EventSink) error
	Detach() error
}

// BatchSource is an EventSource that replays a pre-recorded event batch.
//
// This is the low-overhead batch delivery variant: a host binding that
// buffers events internally (or a test) hands them over in one call instead
// of one callback per event.
type BatchSource struct {
	Events []Event
}

// Attach replays the batch into sink synchronously and returns.
func (s *BatchSource) Attach(sink EventSink) error {
	for _, ev := range s.Events {
		sink.OnEvent(ev)
	}
	return nil
}

// Detach is a no-op for a batch source.
func (s *BatchSource) Detach() error { return nil }

// Key identifies one (file, context) slice of a trace buffer.
type Key struct {
	File    string
	Context int
}

// Collector owns the session-wide collection state: the context resolver,
// the active context id, and the set of Recorders handed out to goroutines.
//
// Thread Safety: NewRecorder and SwitchContext may be called from any
// goroutine. Snapshot must only be called after event delivery has stopped;
// it reads Recorder buffers without synchronizing with their owners.
type Collector struct {
	traceable func(file string) bool
	resolver  *contextid.Resolver

	// current is the active context id, read by every Recorder on every
	// buffered event. A context switch is a single atomic store.
	current atomic.Int64

	mu        sync.Mutex
	recorders []*Recorder
}

// New creates a Collector. traceable is the external filtering predicate;
// nil means every file is traceable. resolver may be shared with the rest of
// the session; nil allocates a fresh one.
func New(traceable func(file string) bool, resolver *contextid.Resolver) *Collector {
	if traceable == nil {
		traceable = func(string) bool { return true }
	}
	if resolver == nil {
		resolver = contextid.NewResolver()
	}
	return &Collector{
		traceable: traceable,
		resolver:  resolver,
	}
}

// Resolver returns the collector's context resolver.
func (c *Collector) Resolver() *contextid.Resolver { return c.resolver }

// SwitchContext makes label the active recording context, interning it on
// first use. Events delivered after the switch are attributed to the new
// context.
func (c *Collector) SwitchContext(label string) {
	c.current.Store(int64(c.resolver.Intern(label)))
}

// NewRecorder allocates a Recorder owned by the calling goroutine.
//
// The Recorder must only be used from one goroutine at a time; the Collector
// keeps a reference so Snapshot can union all buffers later.
func (c *Collector) NewRecorder() *Recorder {
	r := &Recorder{
		c:          c,
		lines:      make(map[Key]map[int]struct{}),
		lineArcs:   make(map[Key]map[unit.LineArc]struct{}),
		instrArcs:  make(map[Key]map[unit.InstrArc]struct{}),
		units:      make(map[string]*unit.Unit),
		traceMemo:  make(map[string]bool),
		lastLine:   -1,
		lastOffset: -1,
	}
	c.mu.Lock()
	c.recorders = append(c.recorders, r)
	c.mu.Unlock()
	return r
}

// Recorder is the per-goroutine trace buffer plus arc cursors.
//
// All fields are mutated exclusively by the owning goroutine during
// collection and read (never mutated) during Snapshot.
type Recorder struct {
	c *Collector

	lines     map[Key]map[int]struct{}
	lineArcs  map[Key]map[unit.LineArc]struct{}
	instrArcs map[Key]map[unit.InstrArc]struct{}

	// units records every traceable unit seen by this goroutine, so the
	// analysis side knows which compiled bodies produced the data.
	units map[string]*unit.Unit

	// traceMemo caches the traceability predicate per file. Consulted before
	// any buffer mutation so the hot path pays the predicate cost once.
	traceMemo map[string]bool

	// Arc cursors. lastLine and lastOffset use -1 for "unset"; lastFile uses
	// the empty string. Cleared on call/return and on untraceable files.
	lastFile   string
	lastLine   int
	lastOffset int
}

// OnEvent records one execution event.
//
// This is the critical hot path: it is called synchronously on the executing
// goroutine for every line and instruction of instrumented code. It never
// blocks on I/O and performs no work beyond set insertion once the file's
// traceability is memoized.
func (r *Recorder) OnEvent(ev Event) {
	// Call/return boundaries invalidate the cursors so no arc is recorded
	// across them.
	if ev.Kind == KindCall || ev.Kind == KindReturn {
		r.resetCursors()
		return
	}
	if ev.Unit == nil {
		return
	}

	file := ev.Unit.File()
	ok, seen := r.traceMemo[file]
	if !seen {
		ok = r.c.traceable(file)
		r.traceMemo[file] = ok
	}
	if !ok {
		// Leaving traceable code also invalidates the cursors: an arc from
		// before the excursion would skip the untraced execution.
		r.resetCursors()
		return
	}

	if _, known := r.units[file]; !known {
		r.units[file] = ev.Unit
	}

	ctx := int(r.c.current.Load())
	key := Key{File: file, Context: ctx}

	if ev.Kind == KindLine {
		addSet(r.lines, key, ev.Line)
		if r.lastFile == file && r.lastLine >= 0 {
			addSet(r.lineArcs, key, unit.LineArc{From: r.lastLine, To: ev.Line})
		}
		r.lastLine = ev.Line
	}

	// Instruction arcs are recorded for both line and opcode events: MC/DC
	// needs finer granularity than line transitions.
	if r.lastFile == file && r.lastOffset >= 0 {
		addSet(r.instrArcs, key, unit.InstrArc{From: r.lastOffset, To: ev.Offset})
	}
	r.lastOffset = ev.Offset
	r.lastFile = file
}

func (r *Recorder) resetCursors() {
	r.lastFile = ""
	r.lastLine = -1
	r.lastOffset = -1
}

func addSet[K comparable, E comparable](m map[K]map[E]struct{}, key K, e E) {
	set := m[key]
	if set == nil {
		set = make(map[E]struct{})
		m[key] = set
	}
	set[e] = struct{}{}
}

// Snapshot is the union of all Recorder buffers, taken after collection has
// stopped. It is the immutable in-memory form of one session's trace data,
// ready to be flushed to a partial record.
type Snapshot struct {
	Lines     map[Key]map[int]struct{}
	LineArcs  map[Key]map[unit.LineArc]struct{}
	InstrArcs map[Key]map[unit.InstrArc]struct{}
	Units     map[string]*unit.Unit
	Contexts  map[int]string
}

// Empty reports whether the snapshot holds no lines and no arcs.
func (s *Snapshot) Empty() bool {
	return len(s.Lines) == 0 && len(s.LineArcs) == 0 && len(s.InstrArcs) == 0
}

// Snapshot unions the buffers of every Recorder into one Snapshot.
//
// Must only be called after event delivery has stopped: it reads Recorder
// state without locks, relying on the caller to have established a
// happens-before edge (e.g. goroutine join) with every recording goroutine.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.Lock()
	recorders := make([]*Recorder, len(c.recorders))
	copy(recorders, c.recorders)
	c.mu.Unlock()

	snap := &Snapshot{
		Lines:     make(map[Key]map[int]struct{}),
		LineArcs:  make(map[Key]map[unit.LineArc]struct{}),
		InstrArcs: make(map[Key]map[unit.InstrArc]struct{}),
		Units:     make(map[string]*unit.Unit),
		Contexts:  c.resolver.Snapshot(),
	}
	for _, r := range recorders {
		unionInto(snap.Lines, r.lines)
		unionInto(snap.LineArcs, r.lineArcs)
		unionInto(snap.InstrArcs, r.instrArcs)
		for file, u := range r.units {
			if _, ok := snap.Units[file]; !ok {
				snap.Units[file] = u
			}
		}
	}
	return snap
}

func unionInto[K comparable, E comparable](dst, src map[K]map[E]struct{}) {
	for key, set := range src {
		out := dst[key]
		if out == nil {
			out = make(map[E]struct{}, len(set))
			dst[key] = out
		}
		for e := range set {
			out[e] = struct{}{}
		}
	}
}
