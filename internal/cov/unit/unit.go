// Package unit defines the executable-unit instruction model shared by the
// collector, the CFG builder and the metrics layer.
//
// A Unit is the compiled body of one function or module: a file identity plus
// an ordered instruction stream with per-instruction source lines. Units are
// immutable after construction and identified by a content fingerprint, so
// cached derived structures (CFGs, decision lists) can be invalidated when a
// file is recompiled with different contents.
//
// The instruction set is deliberately small and host-agnostic: it models only
// what control-flow and MC/DC analysis need (jumps, short-circuit boolean
// jumps, returns). A host binding that introspects a real execution engine
// lowers its native instruction stream into this form.
package unit

import (
	"hash/fnv"
	"sort"
	"sync"
)

// Op is the operation performed by a single instruction.
//
// The set is closed: new ops are added here, never as open-ended values.
type Op uint8

const (
	// OpExec is any straight-line instruction with no control-flow effect.
	OpExec Op = iota

	// OpCall transfers control into another unit.
	OpCall

	// OpReturn leaves the unit.
	OpReturn

	// OpRaise aborts the unit with an error transfer.
	OpRaise

	// OpJump is an unconditional jump to Arg.
	OpJump

	// OpJumpIfFalse jumps to Arg when the tested value is false.
	OpJumpIfFalse

	// OpJumpIfTrue jumps to Arg when the tested value is true.
	OpJumpIfTrue

	// OpJumpIfFalseOrPop is the short-circuit "and" form: jump to Arg keeping
	// the operand when false, pop and fall through when true.
	OpJumpIfFalseOrPop

	// OpJumpIfTrueOrPop is the short-circuit "or" form.
	OpJumpIfTrueOrPop
)

// String returns the mnemonic for an Op.
func (op Op) String() string {
	switch op {
	case OpExec:
		return "EXEC"
	case OpCall:
		return "CALL"
	case OpReturn:
		return "RETURN"
	case OpRaise:
		return "RAISE"
	case OpJump:
		return "JUMP"
	case OpJumpIfFalse:
		return "JUMP_IF_FALSE"
	case OpJumpIfTrue:
		return "JUMP_IF_TRUE"
	case OpJumpIfFalseOrPop:
		return "JUMP_IF_FALSE_OR_POP"
	case OpJumpIfTrueOrPop:
		return "JUMP_IF_TRUE_OR_POP"
	default:
		return "UNKNOWN"
	}
}

// IsJump reports whether the instruction transfers control to Arg
// (conditionally or not).
func (op Op) IsJump() bool {
	switch op {
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpJumpIfFalseOrPop, OpJumpIfTrueOrPop:
		return true
	default:
		return false
	}
}

// IsConditional reports whether the instruction is a boolean test that can
// either jump to Arg or fall through. These are the instructions MC/DC
// analysis treats as conditions.
func (op Op) IsConditional() bool {
	switch op {
	case OpJumpIfFalse, OpJumpIfTrue, OpJumpIfFalseOrPop, OpJumpIfTrueOrPop:
		return true
	default:
		return false
	}
}

// IsUnconditionalExit reports whether control never falls through to the next
// instruction: unconditional jumps, returns and raises.
func (op Op) IsUnconditionalExit() bool {
	switch op {
	case OpJump, OpReturn, OpRaise:
		return true
	default:
		return false
	}
}

// Instruction is one element of a Unit's instruction stream.
type Instruction struct {
	// Offset is the instruction's position, in host units (e.g. bytecode
	// offsets). Offsets are strictly increasing within a Unit.
	Offset int

	// Op is the operation kind.
	Op Op

	// Arg is the jump target offset for jump ops; unused otherwise.
	Arg int

	// Line is the source line this instruction was compiled from.
	Line int
}

// LineArc is an observed or possible transition between two source lines of
// the same file.
type LineArc struct {
	From int
	To   int
}

// InstrArc is an observed or possible transition between two instruction
// offsets of the same file. Instruction arcs are the raw material of MC/DC
// analysis.
type InstrArc struct {
	From int
	To   int
}

// Unit is an immutable compiled function/module body.
type Unit struct {
	file        string
	name        string
	instrs      []Instruction
	fingerprint uint64
}

// New builds a Unit from an instruction stream. The slice is copied, so the
// caller may reuse it. The fingerprint is computed once here.
func New(file, name string, instrs []Instruction) *Unit {
	cp := make([]Instruction, len(instrs))
	copy(cp, instrs)
	return &Unit{
		file:        file,
		name:        name,
		instrs:      cp,
		fingerprint: fingerprint(cp),
	}
}

// File returns the file identity the unit was compiled from.
func (u *Unit) File() string { return u.file }

// Name returns the unit's function or module name (may be empty).
func (u *Unit) Name() string { return u.name }

// Instructions returns the ordered instruction stream.
//
// The returned slice is shared with the Unit and must be treated read-only.
func (u *Unit) Instructions() []Instruction { return u.instrs }

// Fingerprint returns the content fingerprint of the instruction stream.
//
// Two units with the same file but different fingerprints represent different
// compilations; derived caches must be invalidated on mismatch.
func (u *Unit) Fingerprint() uint64 { return u.fingerprint }

// Lines returns the distinct source lines of the unit, sorted ascending.
// This is the "possible" element set for statement coverage.
func (u *Unit) Lines() []int {
	seen := make(map[int]struct{}, len(u.instrs))
	for _, in := range u.instrs {
		if in.Line > 0 {
			seen[in.Line] = struct{}{}
		}
	}
	lines := make([]int, 0, len(seen))
	for l := range seen {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}

// fingerprint computes an FNV-1a hash over the instruction stream.
//
// FNV-1a is fast and has good distribution for short, structured inputs;
// collisions only cost an unnecessary cache rebuild, never wrong data.
func fingerprint(instrs []Instruction) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	word := func(v int) {
		x := uint64(int64(v))
		for i := 0; i < 8; i++ {
			buf[i] = byte(x >> (8 * i))
		}
		_, _ = h.Write(buf[:]) // Write never returns an error for hash.Hash.
	}
	for _, in := range instrs {
		word(in.Offset)
		word(int(in.Op))
		word(in.Arg)
		word(in.Line)
	}
	return h.Sum64()
}

// Registry maps file identities to their most recent compiled Unit.
//
// The host binding registers units as they are compiled; the analysis side
// looks them up when a report is requested. Registration replaces any earlier
// unit for the same file (recompilation).
//
// Thread Safety: safe for concurrent Register/Lookup.
type Registry struct {
	mu    sync.RWMutex
	units map[string]*Unit
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{units: make(map[string]*Unit)}
}

// Register records u as the current unit for its file.
func (r *Registry) Register(u *Unit) {
	r.mu.Lock()
	r.units[u.File()] = u
	r.mu.Unlock()
}

// Lookup returns the registered unit for file, or nil.
func (r *Registry) Lookup(file string) *Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.units[file]
}

// Files returns the registered file identities, sorted.
func (r *Registry) Files() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	files := make([]string, 0, len(r.units))
	for f := range r.units {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
