package store

import (
	"database/sql"
	"fmt"

	"github.com/kolkov/covtrace/internal/cov/collector"
	"github.com/kolkov/covtrace/internal/cov/unit"
)

// LineRow is one row of the lines table.
type LineRow struct {
	File string
	Ctx  int
	Line int
}

// ArcRow is one row of the arcs or instruction_arcs table.
type ArcRow struct {
	File string
	Ctx  int
	From int
	To   int
}

// Record is the fully materialized contents of one coverage data file.
// Records are small (sets of integers per file/context), so reading them
// whole keeps integrity checking simple: a record is validated completely
// before any of its rows are unioned.
type Record struct {
	Contexts  map[int]string
	Lines     []LineRow
	LineArcs  []ArcRow
	InstrArcs []ArcRow
}

// ReadRecord reads and validates one coverage data file.
//
// Validation failures are data-integrity errors: a context id bound to two
// labels, or a row referencing an id absent from the contexts table. The
// merge engine excludes such records rather than mis-attributing contexts.
func ReadRecord(path string) (*Record, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	rec := &Record{Contexts: make(map[int]string)}

	rows, err := db.Query(selectContexts)
	if err != nil {
		return nil, fmt.Errorf("read contexts: %w", err)
	}
	for rows.Next() {
		var id int
		var label string
		if err := rows.Scan(&id, &label); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read contexts: %w", err)
		}
		if prev, ok := rec.Contexts[id]; ok && prev != label {
			rows.Close()
			return nil, fmt.Errorf("context id %d bound to both %q and %q", id, prev, label)
		}
		rec.Contexts[id] = label
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("read contexts: %w", err)
	}

	if err := readTriples(db, selectLines, func(file string, ctx, line int) error {
		if _, ok := rec.Contexts[ctx]; !ok {
			return fmt.Errorf("line row references unknown context id %d", ctx)
		}
		rec.Lines = append(rec.Lines, LineRow{File: file, Ctx: ctx, Line: line})
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readQuads(db, selectArcs, func(file string, ctx, from, to int) error {
		if _, ok := rec.Contexts[ctx]; !ok {
			return fmt.Errorf("arc row references unknown context id %d", ctx)
		}
		rec.LineArcs = append(rec.LineArcs, ArcRow{File: file, Ctx: ctx, From: from, To: to})
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readQuads(db, selectInstrs, func(file string, ctx, from, to int) error {
		if _, ok := rec.Contexts[ctx]; !ok {
			return fmt.Errorf("instruction arc row references unknown context id %d", ctx)
		}
		rec.InstrArcs = append(rec.InstrArcs, ArcRow{File: file, Ctx: ctx, From: from, To: to})
		return nil
	}); err != nil {
		return nil, err
	}

	return rec, nil
}

func readTriples(db *sql.DB, query string, visit func(file string, a, b int) error) error {
	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	for rows.Next() {
		var file string
		var a, b int
		if err := rows.Scan(&file, &a, &b); err != nil {
			rows.Close()
			return fmt.Errorf("read rows: %w", err)
		}
		if err := visit(file, a, b); err != nil {
			rows.Close()
			return err
		}
	}
	return closeRows(rows)
}

func readQuads(db *sql.DB, query string, visit func(file string, a, b, c int) error) error {
	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	for rows.Next() {
		var file string
		var a, b, c int
		if err := rows.Scan(&file, &a, &b, &c); err != nil {
			rows.Close()
			return fmt.Errorf("read rows: %w", err)
		}
		if err := visit(file, a, b, c); err != nil {
			rows.Close()
			return err
		}
	}
	return closeRows(rows)
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

// WriteDataset inserts a full dataset into tx with idempotent row inserts.
// Used by the merge engine to persist the consolidated file.
func WriteDataset(
	tx *sql.Tx,
	contexts map[int]string,
	lines map[collector.Key]map[int]struct{},
	lineArcs map[collector.Key]map[unit.LineArc]struct{},
	instrArcs map[collector.Key]map[unit.InstrArc]struct{},
) error {
	for id, label := range contexts {
		if _, err := tx.Exec(insertContext, id, label); err != nil {
			return fmt.Errorf("write context %d: %w", id, err)
		}
	}
	for key, set := range lines {
		for line := range set {
			if _, err := tx.Exec(insertLine, key.File, key.Context, line); err != nil {
				return fmt.Errorf("write line %s:%d: %w", key.File, line, err)
			}
		}
	}
	for key, set := range lineArcs {
		for arc := range set {
			if _, err := tx.Exec(insertArc, key.File, key.Context, arc.From, arc.To); err != nil {
				return fmt.Errorf("write arc %s:%d->%d: %w", key.File, arc.From, arc.To, err)
			}
		}
	}
	for key, set := range instrArcs {
		for arc := range set {
			if _, err := tx.Exec(insertInstr, key.File, key.Context, arc.From, arc.To); err != nil {
				return fmt.Errorf("write instruction arc %s:+%d->+%d: %w", key.File, arc.From, arc.To, err)
			}
		}
	}
	return nil
}
