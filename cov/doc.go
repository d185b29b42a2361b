// Package cov provides the public API for the covtrace coverage engine.
//
// covtrace collects fine-grained execution events from an instrumented
// program and turns them into quantitative coverage metrics, including
// Modified Condition/Decision Coverage (MC/DC), across single- and
// multi-process executions.
//
// # Quick Start
//
// A host binding compiles its code into executable units, registers them,
// and feeds execution events through per-goroutine recorders:
//
//	package main
//
//	import "github.com/kolkov/covtrace/cov"
//
//	func main() {
//		sess := cov.New(cov.Config{DataFile: ".covtrace"})
//		sess.Start()
//		defer sess.Stop()
//
//		rec := sess.Recorder() // one per executing goroutine
//		// host binding delivers events:
//		//   rec.OnEvent(cov.Event{Kind: cov.KindLine, Unit: u, Line: 12, Offset: 4})
//	}
//
// After any number of processes have flushed, a report merges every partial
// record and compares the aggregate against the statically possible element
// sets:
//
//	rep, err := sess.Report()
//
// # Architecture
//
// Events flow through per-goroutine trace buffers with no shared mutable
// state on the hot path. Each process flushes its buffers to a uniquely
// named SQLite partial record; merging is a monotonic set union with context
// labels re-interned across records, so merges commute and are idempotent.
//
// MC/DC is computed from the unit's control-flow graph: every condition of a
// short-circuit decision has a statically known pair of instruction arcs,
// and the condition is independently shown when both arcs were observed.
//
// # Contexts
//
// SwitchContext partitions collected data under a dynamic label (typically
// the active test name), enabling per-test impact analysis:
//
//	sess.SwitchContext("TestLogin")
package cov
