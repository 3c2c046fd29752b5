//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/journal/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/logmanager/internal/journal"
)

// setupPostgres starts a PostgreSQL container and returns an open journal.
func setupPostgres(t *testing.T) *journal.PostgresJournal {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("logmanager_test"),
		tcpostgres.WithUsername("logmanager"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	j, err := journal.OpenPostgres(ctx, connStr)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestPostgres_RecordAndRecent(t *testing.T) {
	j := setupPostgres(t)
	ctx := context.Background()

	record(t, j, journal.Entry{Kind: journal.KindRegistered, LogDir: "/var/log/a"})
	record(t, j, journal.Entry{Kind: journal.KindRegistered, LogDir: "/var/log/b"})
	record(t, j, journal.Entry{
		Kind:     journal.KindSessionEnded,
		LogDir:   "/var/log/a",
		FilePath: "/var/log/a/x.log",
		Detail:   map[string]any{"outcome": "cancelled"},
	})

	all, err := j.Recent(ctx, journal.Query{})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Recent returned %d entries, want 3", len(all))
	}
	if all[0].Kind != journal.KindSessionEnded {
		t.Errorf("newest Kind = %q, want %q", all[0].Kind, journal.KindSessionEnded)
	}
	if all[0].Detail["outcome"] != "cancelled" {
		t.Errorf("Detail[outcome] = %v, want cancelled", all[0].Detail["outcome"])
	}

	onlyA, err := j.Recent(ctx, journal.Query{LogDir: "/var/log/a", Limit: 1})
	if err != nil {
		t.Fatalf("Recent(a): %v", err)
	}
	if len(onlyA) != 1 || onlyA[0].LogDir != "/var/log/a" {
		t.Errorf("Recent(a, 1) = %+v", onlyA)
	}
}
