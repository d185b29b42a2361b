// Package cov re-exports the session API for host bindings and tools.
//
// See doc.go for detailed documentation and examples.
package cov

import (
	"github.com/kolkov/covtrace/internal/cov/collector"
	"github.com/kolkov/covtrace/internal/cov/session"
	"github.com/kolkov/covtrace/internal/cov/unit"
)

// Config configures a collection session. See session.Config.
type Config = session.Config

// Session is one process-local collection session.
type Session = session.Session

// Report is the aggregated-statistics output consumed by reporters.
type Report = session.Report

// FileReport holds one file's per-metric statistics and MC/DC results.
type FileReport = session.FileReport

// DecisionReport is the MC/DC result for one decision of one file.
type DecisionReport = session.DecisionReport

// Event is one raw execution event from an instrumentation hook.
type Event = collector.Event

// Recorder is a per-goroutine event sink. Obtain one per executing
// goroutine via (*Session).Recorder.
type Recorder = collector.Recorder

// EventSource abstracts a host execution engine delivering events.
type EventSource = collector.EventSource

// BatchSource replays a pre-recorded event batch.
type BatchSource = collector.BatchSource

// Unit is an immutable compiled function/module body.
type Unit = unit.Unit

// Registry resolves compiled units by file path at report time.
type Registry = unit.Registry

// Instruction is one element of a Unit's instruction stream.
type Instruction = unit.Instruction

// Op classifies an instruction for CFG construction.
type Op = unit.Op

// Instruction opcodes.
const (
	OpExec             = unit.OpExec
	OpCall             = unit.OpCall
	OpReturn           = unit.OpReturn
	OpRaise            = unit.OpRaise
	OpJump             = unit.OpJump
	OpJumpIfFalse      = unit.OpJumpIfFalse
	OpJumpIfTrue       = unit.OpJumpIfTrue
	OpJumpIfFalseOrPop = unit.OpJumpIfFalseOrPop
	OpJumpIfTrueOrPop  = unit.OpJumpIfTrueOrPop
)

// Event kinds delivered by instrumentation hooks.
const (
	KindCall   = collector.KindCall
	KindReturn = collector.KindReturn
	KindLine   = collector.KindLine
	KindOpcode = collector.KindOpcode
)

// New creates a Session from cfg. No events are accepted until Start.
func New(cfg Config) *Session {
	return session.New(cfg)
}

// NewUnit builds an executable unit from an instruction stream.
func NewUnit(file, name string, instrs []Instruction) *Unit {
	return unit.New(file, name, instrs)
}

// NewRegistry creates an empty unit registry, to be shared across the
// sessions of one process via Config.Units.
func NewRegistry() *Registry {
	return unit.NewRegistry()
}
