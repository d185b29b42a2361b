// Package session orchestrates one coverage collection session and the
// analysis pipeline.
//
// Lifecycle: New → Start → (events via Recorders) → Stop (flushes a partial
// record) → Report (merges all partial records and compares the aggregated
// dataset against the statically possible element sets).
//
// Multiple OS processes run fully independent sessions against the same
// data-file root; the only cross-process coordination is the merge, which is
// monotonic and idempotent.
package session

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"github.com/kolkov/covtrace/internal/cov/cfgraph"
	"github.com/kolkov/covtrace/internal/cov/collector"
	"github.com/kolkov/covtrace/internal/cov/contextid"
	"github.com/kolkov/covtrace/internal/cov/mcdc"
	"github.com/kolkov/covtrace/internal/cov/merge"
	"github.com/kolkov/covtrace/internal/cov/metrics"
	"github.com/kolkov/covtrace/internal/cov/store"
	"github.com/kolkov/covtrace/internal/cov/unit"
)

// Config is the explicit session configuration, injected at construction.
// File-based configuration loading is a collaborator concern and stays
// outside the engine.
type Config struct {
	// DataFile is the consolidated data-file path; partial records are
	// written next to it as DataFile.<pid>.<salt>.
	DataFile string

	// Traceable is the external filtering predicate; nil traces everything.
	Traceable func(file string) bool

	// Excluded maps files to excluded line numbers (pragma-stripped lines
	// from the source-parsing collaborator).
	Excluded map[string]map[int]struct{}

	// Units resolves compiled units at report time. nil allocates a fresh
	// registry; hosts that compile units before Start should share one.
	Units *unit.Registry

	// Remap rewrites file-path prefixes at merge time; nil is identity.
	Remap func(string) string

	// Warn receives non-fatal diagnostics; nil defaults to os.Stderr.
	Warn io.Writer
}

// Session is one process-local collection session.
type Session struct {
	cfg       Config
	resolver  *contextid.Resolver
	collector *collector.Collector
	store     *store.Store
	cache     *cfgraph.Cache
	units     *unit.Registry
	warn      io.Writer

	active  atomic.Bool
	source  collector.EventSource
	flushed []*store.PartialRecord
}

// New creates a Session from cfg. No events are accepted until Start.
func New(cfg Config) *Session {
	warn := cfg.Warn
	if warn == nil {
		warn = os.Stderr
	}
	units := cfg.Units
	if units == nil {
		units = unit.NewRegistry()
	}
	resolver := contextid.NewResolver()
	return &Session{
		cfg:       cfg,
		resolver:  resolver,
		collector: collector.New(cfg.Traceable, resolver),
		store:     store.New(cfg.DataFile, warn),
		cache:     cfgraph.NewCache(),
		units:     units,
		warn:      warn,
	}
}

// Units returns the session's unit registry.
func (s *Session) Units() *unit.Registry { return s.units }

// Start begins accepting events. Calling Start twice is a no-op.
func (s *Session) Start() {
	s.active.Store(true)
}

// Active reports whether the session is collecting.
func (s *Session) Active() bool { return s.active.Load() }

// Attach connects an event source delivering to a fresh Recorder. Suitable
// for single-threaded callback delivery or batch replay; a multi-threaded
// host binding should instead call Recorder once per executing thread.
func (s *Session) Attach(src collector.EventSource) error {
	if err := src.Attach(s.Recorder()); err != nil {
		return fmt.Errorf("attach event source: %w", err)
	}
	s.source = src
	return nil
}

// Recorder allocates a per-goroutine recorder. The returned recorder must
// only be used from one goroutine.
func (s *Session) Recorder() *collector.Recorder {
	return s.collector.NewRecorder()
}

// SwitchContext makes label the active recording context.
func (s *Session) SwitchContext(label string) {
	s.collector.SwitchContext(label)
}

// Stop detaches the event source (if any) and flushes the collected buffers
// as a partial record. Stopping an already stopped session only re-flushes,
// which is safe: flush is idempotent at the row level.
//
// Buffered data is lost if the process dies before Stop; flushing early and
// often (here: at every Stop) keeps that window small.
func (s *Session) Stop() error {
	s.active.Store(false)
	if s.source != nil {
		if err := s.source.Detach(); err != nil {
			return fmt.Errorf("detach event source: %w", err)
		}
		s.source = nil
	}
	_, err := s.Flush()
	return err
}

// Flush persists the current buffer union as a partial record. An empty
// session produces no record and no error.
func (s *Session) Flush() (*store.PartialRecord, error) {
	snap := s.collector.Snapshot()
	for _, u := range snap.Units {
		s.units.Register(u)
	}
	rec, err := s.store.Flush(snap)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		s.flushed = append(s.flushed, rec)
	}
	return rec, nil
}

// DecisionReport is the MC/DC result for one decision of one file.
type DecisionReport struct {
	// Decision carries the static structure (conditions, arcs, line).
	Decision mcdc.Decision

	// Flags is the per-condition result over the union of all contexts.
	Flags mcdc.Flags

	// ByContext is the per-condition result per context label.
	ByContext map[string]mcdc.Flags
}

// Complete reports whether the decision is MC/DC-complete over the union of
// all contexts.
func (d DecisionReport) Complete() bool { return d.Flags.Complete() }

// FileReport is the aggregated per-file statistics handed to reporters.
type FileReport struct {
	File      string
	Statement metrics.Stats[int]
	Branch    metrics.Stats[unit.LineArc]
	Condition metrics.Stats[unit.InstrArc]
	Decisions []DecisionReport

	// StructuralErr is set when the CFG build failed; branch and condition
	// results then degrade to statement-only coverage.
	StructuralErr error
}

// Report is the full aggregated-statistics output.
type Report struct {
	Files    []FileReport
	Contexts map[int]string
}

// Report merges all reachable partial records and analyzes the aggregate.
//
// Files present in the dataset but without a registered unit are skipped
// with a warning: without the compiled body there is no static side to
// compare against.
func (s *Session) Report() (*Report, error) {
	ds, err := merge.Combine(s.cfg.DataFile, merge.Options{
		Remap:        s.cfg.Remap,
		RemoveMerged: true,
		Warn:         s.warn,
	})
	if err != nil {
		return nil, err
	}
	return s.analyze(ds)
}

// analyze compares the dataset against the statically possible sets.
func (s *Session) analyze(ds *merge.Dataset) (*Report, error) {
	rep := &Report{Contexts: ds.Contexts()}

	files := ds.Files()
	sort.Strings(files)
	for _, file := range files {
		u := s.units.Lookup(file)
		if u == nil {
			fmt.Fprintf(s.warn, "covtrace: no compiled unit registered for %s, skipping analysis\n", file)
			continue
		}

		src := &metrics.Source{Unit: u, Excluded: s.cfg.Excluded[file]}
		fr := FileReport{File: file}

		g, err := s.cache.Get(u)
		if err != nil {
			// Malformed unit: degrade to line coverage, never fatal.
			fmt.Fprintf(s.warn, "covtrace: %v (branch/condition coverage skipped)\n", err)
			fr.StructuralErr = err
		} else {
			src.Graph = g
		}

		fr.Statement = metrics.Measure[int](metrics.Statement{}, src, ds, file)
		fr.Branch = metrics.Measure[unit.LineArc](metrics.Branch{}, src, ds, file)
		fr.Condition = metrics.Measure[unit.InstrArc](metrics.Condition{}, src, ds, file)

		if src.Graph != nil {
			fr.Decisions = analyzeDecisions(src.Graph, ds, file, s.cfg.Excluded[file])
		}
		rep.Files = append(rep.Files, fr)
	}
	return rep, nil
}

// analyzeDecisions evaluates MC/DC over the cross-context union and per
// context.
func analyzeDecisions(g *cfgraph.Graph, ds *merge.Dataset, file string, excluded map[int]struct{}) []DecisionReport {
	unionRes := mcdc.Analyze(g, ds.ExecutedInstrArcs(file))

	byCtx := make(map[string]mcdc.Result)
	for label, arcs := range ds.InstrArcsByContext(file) {
		byCtx[label] = mcdc.Analyze(g, arcs)
	}

	var out []DecisionReport
	for _, d := range mcdc.Decisions(g) {
		if _, ok := excluded[d.Line]; ok {
			continue
		}
		dr := DecisionReport{
			Decision:  d,
			Flags:     unionRes[d.ID],
			ByContext: make(map[string]mcdc.Flags, len(byCtx)),
		}
		for label, res := range byCtx {
			dr.ByContext[label] = res[d.ID]
		}
		out = append(out, dr)
	}
	return out
}
