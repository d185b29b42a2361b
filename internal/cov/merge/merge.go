// Package merge combines any number of partial records into one consolidated
// dataset with set-union semantics.
//
// Correctness hinges on two rules:
//
//   - Context labels are re-interned before any union. Two records that used
//     different local integer ids for the same label are remapped to one
//     canonical id first; unioning on raw local ids would mis-attribute
//     contexts.
//   - Every union step is an insert-if-absent, so merging is associative,
//     commutative and idempotent: re-processing an already merged record is
//     a no-op.
//
// A missing or corrupt partial record is skipped with a warning; partial
// data is preferred over aborting the whole report. A record whose context
// table is internally inconsistent (one id bound to two labels, or a row
// referencing an unknown id) is excluded rather than silently mis-attributed.
package merge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kolkov/covtrace/internal/cov/collector"
	"github.com/kolkov/covtrace/internal/cov/contextid"
	"github.com/kolkov/covtrace/internal/cov/store"
	"github.com/kolkov/covtrace/internal/cov/unit"
)

// Dataset is the aggregated union of all merged records, indexed by
// (file, canonical context).
type Dataset struct {
	resolver *contextid.Resolver

	lines     map[collector.Key]map[int]struct{}
	lineArcs  map[collector.Key]map[unit.LineArc]struct{}
	instrArcs map[collector.Key]map[unit.InstrArc]struct{}
}

// NewDataset returns an empty Dataset with a fresh canonical resolver.
func NewDataset() *Dataset {
	return &Dataset{
		resolver:  contextid.NewResolver(),
		lines:     make(map[collector.Key]map[int]struct{}),
		lineArcs:  make(map[collector.Key]map[unit.LineArc]struct{}),
		instrArcs: make(map[collector.Key]map[unit.InstrArc]struct{}),
	}
}

// Contexts returns the canonical id→label table of the dataset.
func (d *Dataset) Contexts() map[int]string { return d.resolver.Snapshot() }

// Files returns every file with any recorded data, sorted.
func (d *Dataset) Files() []string {
	seen := map[string]struct{}{}
	for k := range d.lines {
		seen[k.File] = struct{}{}
	}
	for k := range d.lineArcs {
		seen[k.File] = struct{}{}
	}
	for k := range d.instrArcs {
		seen[k.File] = struct{}{}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// ExecutedLines returns the union of executed lines for file across all
// contexts.
func (d *Dataset) ExecutedLines(file string) map[int]struct{} {
	return unionFile(d.lines, file)
}

// ExecutedLineArcs returns the union of executed line arcs for file across
// all contexts.
func (d *Dataset) ExecutedLineArcs(file string) map[unit.LineArc]struct{} {
	return unionFile(d.lineArcs, file)
}

// ExecutedInstrArcs returns the union of executed instruction arcs for file
// across all contexts.
func (d *Dataset) ExecutedInstrArcs(file string) map[unit.InstrArc]struct{} {
	return unionFile(d.instrArcs, file)
}

// InstrArcsByContext returns the per-context instruction arcs for file,
// keyed by context label. Used for per-context MC/DC evaluation.
func (d *Dataset) InstrArcsByContext(file string) map[string]map[unit.InstrArc]struct{} {
	out := make(map[string]map[unit.InstrArc]struct{})
	for k, arcs := range d.instrArcs {
		if k.File != file || len(arcs) == 0 {
			continue
		}
		label, ok := d.resolver.Label(k.Context)
		if !ok {
			continue
		}
		set := make(map[unit.InstrArc]struct{}, len(arcs))
		for a := range arcs {
			set[a] = struct{}{}
		}
		out[label] = set
	}
	return out
}

func unionFile[E comparable](m map[collector.Key]map[E]struct{}, file string) map[E]struct{} {
	out := make(map[E]struct{})
	for k, set := range m {
		if k.File != file {
			continue
		}
		for e := range set {
			out[e] = struct{}{}
		}
	}
	return out
}

func (d *Dataset) addLine(file string, ctx, line int) {
	add(d.lines, collector.Key{File: file, Context: ctx}, line)
}

func (d *Dataset) addLineArc(file string, ctx int, a unit.LineArc) {
	add(d.lineArcs, collector.Key{File: file, Context: ctx}, a)
}

func (d *Dataset) addInstrArc(file string, ctx int, a unit.InstrArc) {
	add(d.instrArcs, collector.Key{File: file, Context: ctx}, a)
}

func add[E comparable](m map[collector.Key]map[E]struct{}, k collector.Key, e E) {
	set := m[k]
	if set == nil {
		set = make(map[E]struct{})
		m[k] = set
	}
	set[e] = struct{}{}
}

// Options configure Combine.
type Options struct {
	// Remap rewrites file paths before union (alias → canonical prefix).
	// nil means identity.
	Remap func(string) string

	// RemoveMerged deletes each partial file after it has been merged and
	// the consolidated file has been persisted.
	RemoveMerged bool

	// Warn receives skip warnings; nil defaults to os.Stderr.
	Warn io.Writer
}

// Combine merges the consolidated data file (if present) and every partial
// record reachable from it into one Dataset, then persists the result back
// to dataFile so later reports can start from it.
//
// Partial records are files named <dataFile>.<pid>.<salt> in dataFile's
// directory. Combining is idempotent: running it twice, or with the records
// presented in any order, yields the same dataset.
func Combine(dataFile string, opts Options) (*Dataset, error) {
	warn := opts.Warn
	if warn == nil {
		warn = os.Stderr
	}
	remap := opts.Remap
	if remap == nil {
		remap = func(p string) string { return p }
	}

	ds := NewDataset()

	// Start from previously consolidated data, keeping its ids canonical.
	if _, err := os.Stat(dataFile); err == nil {
		rec, err := store.ReadRecord(dataFile)
		if err != nil {
			return nil, fmt.Errorf("read consolidated data: %w", err)
		}
		if err := ds.resolver.Restore(rec.Contexts); err != nil {
			return nil, fmt.Errorf("consolidated data: %w", err)
		}
		ds.union(rec, identityRemap(rec), remap)
	}

	partials, err := findPartials(dataFile)
	if err != nil {
		return nil, err
	}

	var merged []string
	for _, path := range partials {
		rec, err := store.ReadRecord(path)
		if err != nil {
			fmt.Fprintf(warn, "covtrace: skipping partial record %s: %v\n", path, err)
			continue
		}
		// Re-intern context labels BEFORE any union: local ids are only
		// meaningful inside their own record.
		idMap := make(map[int]int, len(rec.Contexts))
		for localID, label := range rec.Contexts {
			idMap[localID] = ds.resolver.Intern(label)
		}
		ds.union(rec, idMap, remap)
		merged = append(merged, path)
	}

	if err := persist(dataFile, ds); err != nil {
		return nil, err
	}
	if opts.RemoveMerged {
		for _, path := range merged {
			if err := os.Remove(path); err != nil {
				fmt.Fprintf(warn, "covtrace: could not remove merged record %s: %v\n", path, err)
			}
		}
	}
	return ds, nil
}

// Load reads the consolidated data file without touching partial records.
// A missing file yields an empty dataset.
func Load(dataFile string) (*Dataset, error) {
	ds := NewDataset()
	if _, err := os.Stat(dataFile); err != nil {
		return ds, nil
	}
	rec, err := store.ReadRecord(dataFile)
	if err != nil {
		return nil, fmt.Errorf("read consolidated data: %w", err)
	}
	if err := ds.resolver.Restore(rec.Contexts); err != nil {
		return nil, fmt.Errorf("consolidated data: %w", err)
	}
	ds.union(rec, identityRemap(rec), func(p string) string { return p })
	return ds, nil
}

// findPartials lists the partial record files for dataFile, sorted for
// deterministic processing. Temporary files from in-flight flushes are
// never picked up.
func findPartials(dataFile string) ([]string, error) {
	matches, err := filepath.Glob(dataFile + ".*.*")
	if err != nil {
		return nil, fmt.Errorf("scan partial records: %w", err)
	}
	var out []string
	for _, m := range matches {
		if strings.HasSuffix(m, ".tmp") {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func identityRemap(rec *store.Record) map[int]int {
	idMap := make(map[int]int, len(rec.Contexts))
	for id := range rec.Contexts {
		idMap[id] = id
	}
	return idMap
}

// union inserts every row of rec into the dataset, remapping context ids
// through idMap and file paths through remap.
func (d *Dataset) union(rec *store.Record, idMap map[int]int, remap func(string) string) {
	for _, row := range rec.Lines {
		d.addLine(remap(row.File), idMap[row.Ctx], row.Line)
	}
	for _, row := range rec.LineArcs {
		d.addLineArc(remap(row.File), idMap[row.Ctx], unit.LineArc{From: row.From, To: row.To})
	}
	for _, row := range rec.InstrArcs {
		d.addInstrArc(remap(row.File), idMap[row.Ctx], unit.InstrArc{From: row.From, To: row.To})
	}
}

// persist rewrites the consolidated data file from the dataset. Inserts are
// idempotent, so rewriting over an existing file only ever adds rows.
func persist(dataFile string, d *Dataset) error {
	db, err := store.Open(dataFile)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer tx.Rollback()

	if err := store.WriteDataset(tx, d.resolver.Snapshot(), d.lines, d.lineArcs, d.instrArcs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}
