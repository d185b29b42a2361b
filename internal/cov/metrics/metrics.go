// Package metrics defines the closed set of coverage metric variants and the
// statistics they produce for reporters.
//
// Each metric compares a static "possible" element set, derived from an
// executable unit and its CFG, against the dynamic "executed" set from the
// aggregated dataset. The variants are a closed set implementing one
// polymorphic interface; new metrics are added as new variants here, never
// as open-ended subclassing.
//
// Per-file excluded line numbers (from the external source-parsing
// collaborator) are removed from both sides of the comparison.
package metrics

import (
	"sort"

	"github.com/kolkov/covtrace/internal/cov/cfgraph"
	"github.com/kolkov/covtrace/internal/cov/mcdc"
	"github.com/kolkov/covtrace/internal/cov/merge"
	"github.com/kolkov/covtrace/internal/cov/unit"
)

// Source bundles the static inputs a metric may consult.
//
// Graph is nil when the CFG build failed for the unit; graph-dependent
// metrics then report an empty possible set and the caller records the
// structural error alongside.
type Source struct {
	Unit     *unit.Unit
	Graph    *cfgraph.Graph
	Excluded map[int]struct{}
}

func (s *Source) excluded(line int) bool {
	_, ok := s.Excluded[line]
	return ok
}

// Metric is the polymorphic interface all variants implement.
// E is the metric's element type: lines, line arcs or instruction arcs.
type Metric[E comparable] interface {
	// Name returns the metric's display name.
	Name() string

	// Possible derives the static element set from src.
	Possible(src *Source) map[E]struct{}

	// Executed extracts the dynamic element set for file from the dataset.
	Executed(ds *merge.Dataset, file string) map[E]struct{}
}

// Stats is the per-file, per-metric comparison result handed to reporters.
type Stats[E comparable] struct {
	Possible map[E]struct{}
	Executed map[E]struct{}
	Missing  map[E]struct{}
	Pct      float64
}

// Measure runs one metric for one file.
//
// Executed is intersected with possible (dynamic noise outside the static
// set is dropped) and an empty possible set counts as fully covered.
func Measure[E comparable](m Metric[E], src *Source, ds *merge.Dataset, file string) Stats[E] {
	possible := m.Possible(src)
	raw := m.Executed(ds, file)

	executed := make(map[E]struct{})
	missing := make(map[E]struct{})
	for e := range possible {
		if _, ok := raw[e]; ok {
			executed[e] = struct{}{}
		} else {
			missing[e] = struct{}{}
		}
	}

	pct := 100.0
	if len(possible) > 0 {
		pct = float64(len(executed)) / float64(len(possible)) * 100
	}
	return Stats[E]{Possible: possible, Executed: executed, Missing: missing, Pct: pct}
}

// Statement measures which executable source lines were run.
type Statement struct{}

// Name returns "Statement".
func (Statement) Name() string { return "Statement" }

// Possible returns the unit's distinct source lines minus exclusions.
// Statement coverage needs no CFG, so it survives structural errors.
func (Statement) Possible(src *Source) map[int]struct{} {
	out := make(map[int]struct{})
	for _, line := range src.Unit.Lines() {
		if !src.excluded(line) {
			out[line] = struct{}{}
		}
	}
	return out
}

// Executed returns the executed lines for file across all contexts.
func (Statement) Executed(ds *merge.Dataset, file string) map[int]struct{} {
	return ds.ExecutedLines(file)
}

// Branch measures control-flow arcs between source lines.
type Branch struct{}

// Name returns "Branch".
func (Branch) Name() string { return "Branch" }

// Possible returns the CFG's branching line arcs, dropping arcs that start
// or end on an excluded line.
func (Branch) Possible(src *Source) map[unit.LineArc]struct{} {
	out := make(map[unit.LineArc]struct{})
	if src.Graph == nil {
		return out
	}
	for arc := range src.Graph.BranchLineArcs() {
		if !src.excluded(arc.From) && !src.excluded(arc.To) {
			out[arc] = struct{}{}
		}
	}
	return out
}

// Executed returns the executed line arcs for file across all contexts.
func (Branch) Executed(ds *merge.Dataset, file string) map[unit.LineArc]struct{} {
	return ds.ExecutedLineArcs(file)
}

// Condition measures instruction-arc pairs of boolean jumps, the element
// set underlying MC/DC.
type Condition struct{}

// Name returns "Condition".
func (Condition) Name() string { return "Condition" }

// Possible returns both arcs of every condition in the CFG, dropping
// conditions on excluded lines.
func (Condition) Possible(src *Source) map[unit.InstrArc]struct{} {
	out := make(map[unit.InstrArc]struct{})
	if src.Graph == nil {
		return out
	}
	for _, d := range mcdc.Decisions(src.Graph) {
		for _, c := range d.Conditions {
			if src.excluded(c.Line) {
				continue
			}
			out[c.TakenArc] = struct{}{}
			out[c.FallArc] = struct{}{}
		}
	}
	return out
}

// Executed returns the executed instruction arcs for file across all
// contexts.
func (Condition) Executed(ds *merge.Dataset, file string) map[unit.InstrArc]struct{} {
	return ds.ExecutedInstrArcs(file)
}

// SortedLines returns a stats element set of lines in ascending order, for
// stable report output.
func SortedLines(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}
