// Package mcdc implements Modified Condition/Decision Coverage analysis.
//
// A decision is a chain of short-circuit condition tests feeding one boolean
// outcome. Each condition is a conditional boolean jump in the instruction
// stream; evaluating it produces exactly one of two statically known
// instruction arcs: the jump-taken arc or the fallthrough arc. A condition
// has been shown to independently affect the outcome when both arcs of its
// pair were observed at runtime, which is sufficient for masking-MC/DC on
// short-circuit decisions: with all earlier conditions held on the
// fallthrough path, the two arcs differ only in this condition's value.
//
// Decisions with a single condition degenerate to branch coverage. Exact
// semantics for non-short-circuit boolean forms are out of scope; the host
// binding is expected to lower decisions as short-circuit jump chains.
package mcdc

import (
	"sort"

	"github.com/kolkov/covtrace/internal/cov/cfgraph"
	"github.com/kolkov/covtrace/internal/cov/unit"
)

// Condition is one boolean test within a decision.
type Condition struct {
	// Index is the condition's position within its decision, left to right.
	Index int

	// Offset is the boolean jump instruction's offset.
	Offset int

	// Line is the source line of the test.
	Line int

	// TakenArc is the instruction arc observed when the jump is taken.
	TakenArc unit.InstrArc

	// FallArc is the instruction arc observed when execution falls through.
	FallArc unit.InstrArc
}

// Decision is a short-circuit chain of conditions with two outcome blocks.
type Decision struct {
	// ID is the offset of the first condition's jump instruction.
	ID int

	// Line is the source line where the decision starts.
	Line int

	// Conditions are ordered left to right in evaluation order.
	Conditions []Condition

	// FallTarget is the block reached when the last condition falls through.
	FallTarget int

	// JumpTargets are the distinct short-circuit exit blocks, sorted. For a
	// pure "and" chain this is one block (the false outcome); mixed chains
	// may have more.
	JumpTargets []int
}

// Flags holds the per-condition "independently shown" result for one
// decision, indexed by Condition.Index.
type Flags []bool

// Complete reports whether every condition was independently shown, i.e.
// the decision is MC/DC-complete.
func (f Flags) Complete() bool {
	for _, ok := range f {
		if !ok {
			return false
		}
	}
	return len(f) > 0
}

// Result maps decision IDs to their condition flags.
type Result map[int]Flags

// Decisions extracts the short-circuit decisions of a CFG.
//
// A decision starts at any block whose terminator is a conditional boolean
// jump and that is not already part of an earlier chain. The chain extends
// through the fallthrough successor while that block also terminates in a
// conditional boolean jump and is dominated by the first condition's block;
// the dominance guard rejects blocks reachable via unrelated paths, which
// would not be genuine continuations of the same decision.
//
// The result is deterministic and ordered by decision ID.
func Decisions(g *cfgraph.Graph) []Decision {
	instrs := g.Unit.Instructions()
	consumed := make(map[int]bool)
	var decisions []Decision

	for _, b := range g.Blocks {
		term := g.Terminator(b)
		if !term.Op.IsConditional() || consumed[b.ID] {
			continue
		}

		d := Decision{ID: term.Offset, Line: term.Line}
		targets := map[int]struct{}{}
		cur := b
		for {
			t := g.Terminator(cur)
			fall := fallthroughOffset(instrs, cur.End)
			d.Conditions = append(d.Conditions, Condition{
				Index:    len(d.Conditions),
				Offset:   t.Offset,
				Line:     t.Line,
				TakenArc: unit.InstrArc{From: t.Offset, To: t.Arg},
				FallArc:  unit.InstrArc{From: t.Offset, To: fall},
			})
			targets[t.Arg] = struct{}{}
			consumed[cur.ID] = true

			next, ok := g.BlockAt(fall)
			if !ok {
				d.FallTarget = fall
				break
			}
			nt := g.Terminator(next)
			if !nt.Op.IsConditional() || consumed[next.ID] || !g.Dominates(b.ID, next.ID) {
				d.FallTarget = next.ID
				break
			}
			cur = next
		}

		for t := range targets {
			d.JumpTargets = append(d.JumpTargets, t)
		}
		sort.Ints(d.JumpTargets)
		decisions = append(decisions, d)
	}

	sort.Slice(decisions, func(i, j int) bool { return decisions[i].ID < decisions[j].ID })
	return decisions
}

// fallthroughOffset returns the offset of the instruction after index idx,
// or -1 at the end of the stream.
func fallthroughOffset(instrs []unit.Instruction, idx int) int {
	if idx+1 < len(instrs) {
		return instrs[idx+1].Offset
	}
	return -1
}

// PossibleArcs returns both arcs of every condition in the graph: the
// "possible" element set for condition coverage.
func PossibleArcs(g *cfgraph.Graph) map[unit.InstrArc]struct{} {
	arcs := make(map[unit.InstrArc]struct{})
	for _, d := range Decisions(g) {
		for _, c := range d.Conditions {
			arcs[c.TakenArc] = struct{}{}
			arcs[c.FallArc] = struct{}{}
		}
	}
	return arcs
}

// Analyze evaluates MC/DC for every decision of g against the executed
// instruction arcs. A condition is flagged iff both arcs of its pair were
// observed. Pass the arcs of a single context for per-context results, or
// the union across contexts for the aggregate result.
func Analyze(g *cfgraph.Graph, executed map[unit.InstrArc]struct{}) Result {
	res := make(Result)
	for _, d := range Decisions(g) {
		flags := make(Flags, len(d.Conditions))
		for i, c := range d.Conditions {
			_, taken := executed[c.TakenArc]
			_, fell := executed[c.FallArc]
			flags[i] = taken && fell
		}
		res[d.ID] = flags
	}
	return res
}
