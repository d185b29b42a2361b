// Package store persists one collection session's trace buffers as a
// partial record: a process-local SQLite file with a name unique to the
// session, so concurrently flushing processes never contend on the same
// write target.
//
// Flush discipline:
//
//   - Durability precedes confirmation: the record is fully written and
//     closed before Flush returns, so a process killed right after the
//     return loses nothing.
//   - Atomic visibility: data is written to a temporary file and renamed
//     into place. A merge scan never sees a half-written record.
//   - Idempotence: rows are INSERT OR IGNORE set-insertions, so re-flushing
//     the same buffer after an ambiguous failure is safe.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/kolkov/covtrace/internal/cov/collector"
)

// saltLen is the number of hex characters of the per-flush random salt.
// Combined with the pid it makes target names unique across concurrent
// processes and across retries within one process.
const saltLen = 6

// PartialRecord identifies one durably persisted partial data file.
type PartialRecord struct {
	// Path is the record's file path: <dataFile>.<pid>.<salt>.
	Path string

	// SessionID tags the record: "<pid>.<salt>".
	SessionID string
}

// Store writes partial records derived from one data-file root.
type Store struct {
	dataFile string
	pid      int
	warn     io.Writer
}

// New creates a Store rooted at dataFile. warn receives non-fatal
// diagnostics; nil defaults to os.Stderr.
func New(dataFile string, warn io.Writer) *Store {
	if warn == nil {
		warn = os.Stderr
	}
	return &Store{dataFile: dataFile, pid: os.Getpid(), warn: warn}
}

// Open opens (or creates) a coverage database and ensures the schema.
// Shared with the merge engine.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// InitSchema creates the four coverage tables if missing.
func InitSchema(db *sql.DB) error {
	for _, stmt := range []string{initContexts, initDefaultContext, initLines, initArcs, initInstructionArcs} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Flush durably writes snap as a new partial record.
//
// An empty snapshot is not persisted; Flush returns (nil, nil) in that case.
// A naming collision on the final rename is retried with a fresh salt; any
// other I/O error is returned and never corrupts previously flushed records.
func (s *Store) Flush(snap *collector.Snapshot) (*PartialRecord, error) {
	if snap == nil || snap.Empty() {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		salt := newSalt()
		sessionID := fmt.Sprintf("%d.%s", s.pid, salt)
		target := fmt.Sprintf("%s.%s", s.dataFile, sessionID)

		// Another session already owns this name; retry with a new salt.
		if _, err := os.Stat(target); err == nil {
			lastErr = fmt.Errorf("partial record %s already exists", target)
			continue
		}

		tmp := target + ".tmp"
		if err := writeRecord(tmp, snap); err != nil {
			os.Remove(tmp)
			return nil, err
		}
		if err := os.Rename(tmp, target); err != nil {
			os.Remove(tmp)
			return nil, fmt.Errorf("publish partial record: %w", err)
		}
		return &PartialRecord{Path: target, SessionID: sessionID}, nil
	}
	return nil, fmt.Errorf("flush: could not find unique target name: %w", lastErr)
}

// newSalt returns a short random hex salt from a v4 uuid.
func newSalt() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])[:saltLen]
}

// writeRecord writes the full snapshot into a fresh database at path.
func writeRecord(path string, snap *collector.Snapshot) error {
	db, err := Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	for id, label := range snap.Contexts {
		if _, err := tx.Exec(insertContext, id, label); err != nil {
			return fmt.Errorf("flush context %d: %w", id, err)
		}
	}
	for key, lines := range snap.Lines {
		for line := range lines {
			if _, err := tx.Exec(insertLine, key.File, key.Context, line); err != nil {
				return fmt.Errorf("flush line %s:%d: %w", key.File, line, err)
			}
		}
	}
	for key, arcs := range snap.LineArcs {
		for arc := range arcs {
			if _, err := tx.Exec(insertArc, key.File, key.Context, arc.From, arc.To); err != nil {
				return fmt.Errorf("flush arc %s:%d->%d: %w", key.File, arc.From, arc.To, err)
			}
		}
	}
	for key, arcs := range snap.InstrArcs {
		for arc := range arcs {
			if _, err := tx.Exec(insertInstr, key.File, key.Context, arc.From, arc.To); err != nil {
				return fmt.Errorf("flush instruction arc %s:+%d->+%d: %w", key.File, arc.From, arc.To, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}
