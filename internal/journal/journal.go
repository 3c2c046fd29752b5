// Package journal records an append-only history of log manager operations:
// watcher registrations, replacements and stops, tail session lifecycles, and
// inactive-file purges. It is a history for operators, not a configuration
// store; nothing is restored from it on start.
//
// Four backends are provided: Nop (the default), SQLite via
// modernc.org/sqlite, PostgreSQL via github.com/jackc/pgx/v5, and a
// hash-chained JSON lines file.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/tripwire/logmanager/internal/config"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindRegistered     Kind = "watcher.registered"
	KindReplaced       Kind = "watcher.replaced"
	KindRolledBack     Kind = "watcher.rolled_back"
	KindUnregistered   Kind = "watcher.unregistered"
	KindShutdown       Kind = "watcher.shutdown"
	KindPurged         Kind = "watcher.purged"
	KindSessionStarted Kind = "session.started"
	KindSessionEnded   Kind = "session.ended"
)

// Entry is one journal record.
type Entry struct {
	// ID is assigned by the backend on Record.
	ID int64 `json:"id"`
	// Time is when the operation happened. Record fills in the current time
	// when it is zero.
	Time time.Time `json:"time"`
	Kind Kind      `json:"kind"`
	// LogDir is the watched directory the entry concerns.
	LogDir string `json:"logDir"`
	// FilePath is set for session entries.
	FilePath string `json:"filePath,omitempty"`
	// Detail holds kind-specific metadata (outcome, line count, errors).
	Detail map[string]any `json:"detail,omitempty"`
}

// DefaultLimit and MaxLimit bound Query.Limit.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Query filters Recent.
type Query struct {
	// LogDir restricts results to one directory when non-empty.
	LogDir string
	// Limit is the maximum number of entries; ≤ 0 means DefaultLimit and
	// values above MaxLimit are clamped.
	Limit int
}

// limit returns the effective limit.
func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	default:
		return q.Limit
	}
}

// Journal is implemented by every backend. Implementations are safe for
// concurrent use.
type Journal interface {
	// Record appends e.
	Record(ctx context.Context, e Entry) error
	// Recent returns matching entries, newest first.
	Recent(ctx context.Context, q Query) ([]Entry, error)
	// Close releases the backend.
	Close() error
}

// Open constructs the backend selected by cfg.
func Open(ctx context.Context, cfg config.JournalConfig) (Journal, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	case "file":
		return OpenFile(cfg.Path)
	default:
		return nil, fmt.Errorf("journal: unknown driver %q", cfg.Driver)
	}
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

func (Nop) Recent(context.Context, Query) ([]Entry, error) { return nil, nil }

func (Nop) Close() error { return nil }

// stamp fills in the entry time.
func stamp(e Entry) Entry {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Time = e.Time.UTC()
	return e
}
