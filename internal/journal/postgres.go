package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresJournal is a PostgreSQL-backed Journal for deployments that already
// run a database and want the history of several hosts in one place.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a pgxpool connection to connStr, pings the database,
// and applies the schema.
func OpenPostgres(ctx context.Context, connStr string) (*PostgresJournal, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("journal: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &PostgresJournal{pool: pool}, nil
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS logmanager_journal (
    id        BIGSERIAL   PRIMARY KEY,
    ts        TIMESTAMPTZ NOT NULL,
    kind      TEXT        NOT NULL,
    log_dir   TEXT        NOT NULL,
    file_path TEXT        NOT NULL DEFAULT '',
    detail    JSONB       NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_logmanager_journal_log_dir
    ON logmanager_journal (log_dir, id DESC);
`

// Record inserts e.
func (j *PostgresJournal) Record(ctx context.Context, e Entry) error {
	e = stamp(e)
	detail, err := marshalDetail(e.Detail)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO logmanager_journal (ts, kind, log_dir, file_path, detail)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := j.pool.Exec(ctx, query, e.Time, string(e.Kind), e.LogDir, e.FilePath, detail); err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Recent returns matching entries, newest first.
func (j *PostgresJournal) Recent(ctx context.Context, q Query) ([]Entry, error) {
	const query = `
		SELECT id, ts, kind, log_dir, file_path, detail
		FROM   logmanager_journal
		WHERE  ($1 = '' OR log_dir = $1)
		ORDER  BY id DESC
		LIMIT  $2`

	rows, err := j.pool.Query(ctx, query, q.LogDir, q.limit())
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e      Entry
			kind   string
			detail []byte
		)
		if err := row.Scan(&e.ID, &e.Time, &kind, &e.LogDir, &e.FilePath, &detail); err != nil {
			return Entry{}, err
		}
		e.Kind = Kind(kind)
		e.Time = e.Time.UTC()
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			e.Detail = nil
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: collect rows: %w", err)
	}
	return entries, nil
}

// Close closes the connection pool.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}
