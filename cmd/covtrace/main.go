// Package main implements the covtrace CLI tool.
//
// The covtrace tool manages coverage data files produced by instrumented
// program runs:
//
//  1. Each instrumented process flushes a partial record (a uniquely named
//     SQLite file next to the data file) when its session stops.
//  2. `covtrace combine` merges all partial records into the consolidated
//     data file with set-union semantics.
//  3. `covtrace report` prints a summary of the consolidated data.
//
// Full static/dynamic comparison (possible vs executed elements, MC/DC)
// happens through the library API, where the host binding can supply the
// compiled units; the CLI works on the recorded data alone.
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/covtrace/cov"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "combine":
		combineCommand(os.Args[2:])
	case "report":
		reportCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("covtrace version %s\n", cov.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`covtrace - execution coverage data tool

USAGE:
    covtrace <command> [options]

COMMANDS:
    combine     Merge partial records into the consolidated data file
    report      Print a summary of the consolidated data file
    version     Print version information
    help        Show this help message

OPTIONS (combine, report):
    -data <file>       Data file path (default: .covtrace)
    -alias <prefix>    Path prefix to remap onto the project root
                       (may be repeated; combine only)

EXAMPLES:
    covtrace combine -data .covtrace
    covtrace combine -alias /ci/build/src/
    covtrace report

Partial records are files named <data>.<pid>.<salt> written by instrumented
processes; combine deletes them after a successful merge.
`)
}
