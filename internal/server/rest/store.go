package rest

import (
	"context"

	"github.com/tripwire/logmanager/internal/config"
	"github.com/tripwire/logmanager/internal/journal"
	"github.com/tripwire/logmanager/internal/registry"
	"github.com/tripwire/logmanager/internal/session"
	"github.com/tripwire/logmanager/internal/watcher"
)

// Registry is the subset of registry.Registry methods used by the REST
// handlers. Defining an interface allows handlers to be tested with a fake.
type Registry interface {
	// Register starts a watcher unless one exists for the directory.
	Register(ctx context.Context, cfg config.WatcherConfig) (registry.Outcome, error)

	// Replace swaps the directory's watcher for one built from cfg.
	Replace(ctx context.Context, cfg config.WatcherConfig) (registry.Outcome, error)

	// Info returns the status of the directory's watcher.
	Info(dir string) (watcher.Status, error)

	// Lookup returns the directory's watcher.
	Lookup(dir string) (*watcher.Watcher, bool)

	// ListPaths returns every managed directory.
	ListPaths() []string

	// Unregister stops and removes the directory's watcher.
	Unregister(ctx context.Context, dir string) (registry.Outcome, error)

	// DeleteInactiveFiles starts a background purge of the directory.
	DeleteInactiveFiles(dir string) error
}

// Sessions starts tail and head reads.
type Sessions interface {
	Tail(ctx context.Context, req session.Request) (*session.Session, error)
	Head(ctx context.Context, req session.Request) (*session.Session, error)
}

// History is the read side of the operations journal.
type History interface {
	Recent(ctx context.Context, q journal.Query) ([]journal.Entry, error)
}
