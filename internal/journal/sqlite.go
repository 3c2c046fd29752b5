package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteJournal is a WAL-mode SQLite-backed Journal.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. ":memory:" gives an in-memory
// journal that is lost on Close.
func OpenSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection
	// serialises concurrent Record calls instead of failing with
	// "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS journal (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    ts        TEXT    NOT NULL,
    kind      TEXT    NOT NULL,
    log_dir   TEXT    NOT NULL,
    file_path TEXT    NOT NULL DEFAULT '',
    detail    TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_journal_log_dir
    ON journal (log_dir, id);
`

// Record inserts e.
func (j *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	e = stamp(e)
	detail, err := marshalDetail(e.Detail)
	if err != nil {
		return err
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO journal (ts, kind, log_dir, file_path, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Time.Format(time.RFC3339Nano),
		string(e.Kind),
		e.LogDir,
		e.FilePath,
		string(detail),
	)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Recent returns matching entries, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, q Query) ([]Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if q.LogDir != "" {
		rows, err = j.db.QueryContext(ctx,
			`SELECT id, ts, kind, log_dir, file_path, detail
			 FROM   journal
			 WHERE  log_dir = ?
			 ORDER  BY id DESC
			 LIMIT  ?`, q.LogDir, q.limit())
	} else {
		rows, err = j.db.QueryContext(ctx,
			`SELECT id, ts, kind, log_dir, file_path, detail
			 FROM   journal
			 ORDER  BY id DESC
			 LIMIT  ?`, q.limit())
	}
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			tsStr     string
			kind      string
			detailStr string
		)
		if err := rows.Scan(&e.ID, &tsStr, &kind, &e.LogDir, &e.FilePath, &detailStr); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Kind = Kind(kind)
		e.Time, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			e.Time, _ = time.Parse(time.RFC3339, tsStr)
		}
		// A malformed detail yields a nil map rather than failing the
		// whole query.
		if err := json.Unmarshal([]byte(detailStr), &e.Detail); err != nil {
			e.Detail = nil
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return entries, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func marshalDetail(d map[string]any) ([]byte, error) {
	if len(d) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal detail: %w", err)
	}
	return b, nil
}
