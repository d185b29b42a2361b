// Package cfgraph builds control-flow graphs from executable units.
//
// Build is a pure, deterministic function of a unit's instruction stream: it
// derives basic blocks (maximal straight-line runs), successor edges
// (fallthrough and jump targets) and the dominance relation, computed by the
// standard iterative dataflow algorithm. Dominance is what lets the MC/DC
// analyzer distinguish instructions genuinely between a condition's two
// evaluation edges from instructions reached via unrelated paths.
//
// A malformed instruction stream (dangling jump target) fails with a
// *StructuralError. The caller skips MC/DC analysis for that unit but may
// still report line coverage.
package cfgraph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kolkov/covtrace/internal/cov/unit"
)

// StructuralError reports a malformed instruction stream.
//
// It carries the file and offending offset so the failure can be reported
// per unit; a structural error is never fatal to the whole session.
type StructuralError struct {
	File    string
	Offset  int
	Message string
}

// Error implements the error interface.
//
// Format: file:+offset: message
func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s:+%d: %s", e.File, e.Offset, e.Message)
}

// Block is a maximal straight-line instruction run within a unit.
//
// A block's ID is the offset of its leader (first instruction). Blocks are
// immutable once the Graph is built.
type Block struct {
	// ID is the leader instruction's offset.
	ID int

	// Start and End are inclusive indexes into the unit's instruction
	// stream.
	Start int
	End   int

	// Succs are the IDs of possible successor blocks, sorted ascending.
	Succs []int
}

// Graph is the control-flow graph of one executable unit.
type Graph struct {
	// Unit is the unit the graph was built from.
	Unit *unit.Unit

	// Blocks are ordered by leader offset.
	Blocks []Block

	blockIdx map[int]int   // block ID → index into Blocks
	preds    map[int][]int // block ID → predecessor block IDs

	// dominators maps each block ID to the set of block IDs that dominate
	// it (A dominates B iff A is on every path from entry to B). Every block
	// dominates itself.
	dominators map[int]map[int]bool
}

// Build constructs the CFG for u.
//
// The result depends only on the instruction stream: building the same unit
// twice yields structurally identical blocks and edges.
func Build(u *unit.Unit) (*Graph, error) {
	instrs := u.Instructions()
	if len(instrs) == 0 {
		return nil, &StructuralError{File: u.File(), Offset: 0, Message: "empty instruction stream"}
	}

	offsetIdx := make(map[int]int, len(instrs))
	for i, in := range instrs {
		offsetIdx[in.Offset] = i
	}

	// Leaders: unit entry, every jump target, and the instruction after
	// every jump/return/raise.
	leaders := map[int]struct{}{instrs[0].Offset: {}}
	for i, in := range instrs {
		if in.Op.IsJump() {
			if _, ok := offsetIdx[in.Arg]; !ok {
				return nil, &StructuralError{
					File:    u.File(),
					Offset:  in.Offset,
					Message: fmt.Sprintf("dangling jump target +%d", in.Arg),
				}
			}
			leaders[in.Arg] = struct{}{}
		}
		if (in.Op.IsJump() || in.Op == unit.OpReturn || in.Op == unit.OpRaise) && i+1 < len(instrs) {
			leaders[instrs[i+1].Offset] = struct{}{}
		}
	}

	sorted := make([]int, 0, len(leaders))
	for off := range leaders {
		sorted = append(sorted, off)
	}
	sort.Ints(sorted)

	g := &Graph{
		Unit:       u,
		blockIdx:   make(map[int]int, len(sorted)),
		preds:      make(map[int][]int, len(sorted)),
		dominators: make(map[int]map[int]bool, len(sorted)),
	}
	for i, leader := range sorted {
		end := len(instrs) - 1
		if i+1 < len(sorted) {
			end = offsetIdx[sorted[i+1]] - 1
		}
		g.Blocks = append(g.Blocks, Block{ID: leader, Start: offsetIdx[leader], End: end})
		g.blockIdx[leader] = i
	}

	// Edges: from each block's terminating instruction to its jump target
	// and/or fallthrough successor.
	for i := range g.Blocks {
		b := &g.Blocks[i]
		term := instrs[b.End]

		succs := map[int]struct{}{}
		if term.Op.IsJump() {
			succs[term.Arg] = struct{}{}
		}
		if !term.Op.IsUnconditionalExit() && b.End+1 < len(instrs) {
			succs[instrs[b.End+1].Offset] = struct{}{}
		}
		for s := range succs {
			// Leader construction guarantees every target is a block start.
			b.Succs = append(b.Succs, s)
			g.preds[s] = append(g.preds[s], b.ID)
		}
		sort.Ints(b.Succs)
	}
	for id := range g.preds {
		sort.Ints(g.preds[id])
	}

	g.computeDominators()
	return g, nil
}

// computeDominators runs the standard iterative dataflow:
//
//	Dom(entry) = {entry}
//	Dom(n)     = {n} ∪ ⋂ Dom(p) over predecessors p of n
//
// iterated to a fixed point.
func (g *Graph) computeDominators() {
	entry := g.Blocks[0].ID

	all := make(map[int]bool, len(g.Blocks))
	for _, b := range g.Blocks {
		all[b.ID] = true
	}
	for _, b := range g.Blocks {
		if b.ID == entry {
			g.dominators[b.ID] = map[int]bool{entry: true}
			continue
		}
		set := make(map[int]bool, len(all))
		for id := range all {
			set[id] = true
		}
		g.dominators[b.ID] = set
	}

	changed := true
	for changed {
		changed = false
		for _, b := range g.Blocks {
			if b.ID == entry {
				continue
			}
			preds := g.preds[b.ID]
			if len(preds) == 0 {
				continue
			}
			newDom := make(map[int]bool, len(g.dominators[preds[0]]))
			for id := range g.dominators[preds[0]] {
				newDom[id] = true
			}
			for _, p := range preds[1:] {
				pd := g.dominators[p]
				for id := range newDom {
					if !pd[id] {
						delete(newDom, id)
					}
				}
			}
			newDom[b.ID] = true
			if !sameSet(newDom, g.dominators[b.ID]) {
				g.dominators[b.ID] = newDom
				changed = true
			}
		}
	}
}

func sameSet(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}

// Dominates reports whether block a dominates block b.
func (g *Graph) Dominates(a, b int) bool {
	return g.dominators[b][a]
}

// BlockAt returns the block whose leader offset is id.
func (g *Graph) BlockAt(id int) (Block, bool) {
	idx, ok := g.blockIdx[id]
	if !ok {
		return Block{}, false
	}
	return g.Blocks[idx], true
}

// Terminator returns a block's terminating instruction.
func (g *Graph) Terminator(b Block) unit.Instruction {
	return g.Unit.Instructions()[b.End]
}

// Preds returns the predecessor block IDs of id.
func (g *Graph) Preds(id int) []int {
	return g.preds[id]
}

// BranchLineArcs returns the possible line-to-line arcs of the unit: for
// every block terminator with more than one successor, one arc from the
// terminator's line to each successor leader's line. Arcs within the same
// line are dropped. This is the "possible" element set for branch coverage.
func (g *Graph) BranchLineArcs() map[unit.LineArc]struct{} {
	instrs := g.Unit.Instructions()
	arcs := make(map[unit.LineArc]struct{})
	for _, b := range g.Blocks {
		if len(b.Succs) < 2 {
			continue
		}
		term := instrs[b.End]
		for _, s := range b.Succs {
			target, _ := g.BlockAt(s)
			tl := instrs[target.Start].Line
			if term.Line != tl && term.Line > 0 && tl > 0 {
				arcs[unit.LineArc{From: term.Line, To: tl}] = struct{}{}
			}
		}
	}
	return arcs
}

// cacheEntry memoizes one Build result, including failures: a malformed unit
// stays malformed until recompiled with a new fingerprint.
type cacheEntry struct {
	fingerprint uint64
	graph       *Graph
	err         error
}

// Cache memoizes CFGs per file identity, keyed by content fingerprint.
//
// A lookup with a unit whose fingerprint differs from the cached entry
// invalidates the entry and rebuilds.
//
// Thread Safety: safe for concurrent Get.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get returns the CFG for u, building it on first use or when the cached
// fingerprint no longer matches.
func (c *Cache) Get(u *unit.Unit) (*Graph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[u.File()]; ok && e.fingerprint == u.Fingerprint() {
		return e.graph, e.err
	}
	g, err := Build(u)
	c.entries[u.File()] = cacheEntry{fingerprint: u.Fingerprint(), graph: g, err: err}
	return g, err
}
