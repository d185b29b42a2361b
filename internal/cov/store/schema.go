package store

// Relational layout of a coverage data file. Four logical tables; every row
// insertion is INSERT OR IGNORE, so duplicate inserts are no-ops. That
// idempotence is the property the merge engine relies on: re-flushing a
// buffer or re-merging a partial record never changes the result.
const (
	initContexts = `
		CREATE TABLE IF NOT EXISTS contexts (
			id INTEGER PRIMARY KEY,
			label TEXT UNIQUE
		)`

	initDefaultContext = `INSERT OR IGNORE INTO contexts (id, label) VALUES (0, 'default')`

	initLines = `
		CREATE TABLE IF NOT EXISTS lines (
			file_path TEXT,
			context_id INTEGER,
			line_no INTEGER,
			PRIMARY KEY (file_path, context_id, line_no)
		)`

	initArcs = `
		CREATE TABLE IF NOT EXISTS arcs (
			file_path TEXT,
			context_id INTEGER,
			start_line INTEGER,
			end_line INTEGER,
			PRIMARY KEY (file_path, context_id, start_line, end_line)
		)`

	initInstructionArcs = `
		CREATE TABLE IF NOT EXISTS instruction_arcs (
			file_path TEXT,
			context_id INTEGER,
			from_offset INTEGER,
			to_offset INTEGER,
			PRIMARY KEY (file_path, context_id, from_offset, to_offset)
		)`

	insertContext = `INSERT OR IGNORE INTO contexts (id, label) VALUES (?, ?)`
	insertLine    = `INSERT OR IGNORE INTO lines (file_path, context_id, line_no) VALUES (?, ?, ?)`
	insertArc     = `INSERT OR IGNORE INTO arcs (file_path, context_id, start_line, end_line) VALUES (?, ?, ?, ?)`
	insertInstr   = `INSERT OR IGNORE INTO instruction_arcs (file_path, context_id, from_offset, to_offset) VALUES (?, ?, ?, ?)`

	selectContexts = `SELECT id, label FROM contexts`
	selectLines    = `SELECT file_path, context_id, line_no FROM lines`
	selectArcs     = `SELECT file_path, context_id, start_line, end_line FROM arcs`
	selectInstrs   = `SELECT file_path, context_id, from_offset, to_offset FROM instruction_arcs`
)
