// Package registry owns the set of running directory watchers, keyed by
// directory path. Mutations on one path are serialised; different paths
// proceed independently.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tripwire/logmanager/internal/config"
	"github.com/tripwire/logmanager/internal/journal"
	"github.com/tripwire/logmanager/internal/watcher"
)

var (
	// ErrNotFound is returned for operations on a directory that has no
	// registered watcher.
	ErrNotFound = errors.New("registry: log dir is not managed")

	// ErrClosed is returned by mutations that race with or follow ShutdownAll.
	ErrClosed = errors.New("registry: shut down")
)

// Outcome is the non-error result of a registry mutation.
type Outcome int

const (
	// Created means a new watcher was started.
	Created Outcome = iota + 1
	// AlreadyExists means a watcher for the path was already registered and
	// was left untouched.
	AlreadyExists
	// Updated means the watcher was replaced with one using the new config.
	Updated
	// Stopped means the watcher was stopped and removed.
	Stopped
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	case Updated:
		return "updated"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Registry maps directory paths to running watchers. Create one with New and
// call ShutdownAll once when the process exits. Registry is safe for
// concurrent use.
type Registry struct {
	logger      *slog.Logger
	journal     journal.Journal
	watcherOpts []watcher.Option

	// baseCtx outlives requests; background purges run on it and it is
	// cancelled by ShutdownAll.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	purges     sync.WaitGroup

	keys keyedMutex

	mu       sync.RWMutex
	watchers map[string]*watcher.Watcher
	closed   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithJournal records registry operations to j. The default discards them.
func WithJournal(j journal.Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithWatcherOptions passes opts to every watcher the registry creates.
func WithWatcherOptions(opts ...watcher.Option) Option {
	return func(r *Registry) { r.watcherOpts = append(r.watcherOpts, opts...) }
}

// New returns an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		logger:     logger,
		journal:    journal.Nop{},
		baseCtx:    ctx,
		cancelBase: cancel,
		watchers:   make(map[string]*watcher.Watcher),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register starts a watcher for cfg.LogDir unless one already exists, in
// which case the existing watcher is left unchanged and AlreadyExists is
// returned. Concurrent registrations of the same path produce exactly one
// Created.
func (r *Registry) Register(ctx context.Context, cfg config.WatcherConfig) (Outcome, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	unlock := r.keys.Lock(cfg.LogDir)
	defer unlock()

	r.mu.RLock()
	_, exists := r.watchers[cfg.LogDir]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	if exists {
		return AlreadyExists, nil
	}

	w, err := r.startWatcher(ctx, cfg)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		w.Stop()
		return 0, ErrClosed
	}
	r.watchers[cfg.LogDir] = w
	r.mu.Unlock()

	r.logger.Info("watcher registered", slog.String("log_dir", cfg.LogDir))
	r.record(ctx, journal.Entry{
		Kind:   journal.KindRegistered,
		LogDir: cfg.LogDir,
		Detail: configDetail(cfg),
	})
	return Created, nil
}

// Replace swaps the watcher for cfg.LogDir for a new one built from cfg. The
// old watcher is stopped first, which cancels its tail sessions. If the new
// watcher cannot start, a fresh watcher with the old configuration is
// started in its place and the start error is returned. The path is never
// left without an entry.
func (r *Registry) Replace(ctx context.Context, cfg config.WatcherConfig) (Outcome, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	unlock := r.keys.Lock(cfg.LogDir)
	defer unlock()

	old, ok := r.Lookup(cfg.LogDir)
	if !ok {
		return 0, ErrNotFound
	}

	// Build the replacement before stopping anything so option errors leave
	// the old watcher running.
	next, err := watcher.New(cfg, r.logger, r.watcherOpts...)
	if err != nil {
		return 0, err
	}

	old.Stop()

	if err := next.Start(ctx); err != nil {
		next.Stop()
		r.rollback(ctx, old, err)
		return 0, fmt.Errorf("registry: replace %q: %w", cfg.LogDir, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		next.Stop()
		return 0, ErrClosed
	}
	r.watchers[cfg.LogDir] = next
	r.mu.Unlock()

	r.logger.Info("watcher replaced", slog.String("log_dir", cfg.LogDir))
	r.record(ctx, journal.Entry{
		Kind:   journal.KindReplaced,
		LogDir: cfg.LogDir,
		Detail: configDetail(cfg),
	})
	return Updated, nil
}

// rollback reinstalls a running watcher built from old's configuration. If
// that also fails, the stopped old watcher stays in the map so the path is
// still managed and reports running=false. The caller holds the key lock.
func (r *Registry) rollback(ctx context.Context, old *watcher.Watcher, cause error) {
	cfg := old.Config()
	restored := old
	detail := map[string]any{"cause": cause.Error()}

	w, err := r.startWatcher(ctx, cfg)
	if err != nil {
		r.logger.Error("watcher rollback failed",
			slog.String("log_dir", cfg.LogDir),
			slog.Any("cause", cause),
			slog.Any("error", err),
		)
		detail["rollback_error"] = err.Error()
	} else {
		restored = w
		r.logger.Warn("watcher replace failed, previous config restored",
			slog.String("log_dir", cfg.LogDir),
			slog.Any("error", cause),
		)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		restored.Stop()
		return
	}
	r.watchers[cfg.LogDir] = restored
	r.mu.Unlock()

	r.record(ctx, journal.Entry{
		Kind:   journal.KindRolledBack,
		LogDir: cfg.LogDir,
		Detail: detail,
	})
}

// Info returns the status of the watcher for dir.
func (r *Registry) Info(dir string) (watcher.Status, error) {
	w, ok := r.Lookup(dir)
	if !ok {
		return watcher.Status{}, ErrNotFound
	}
	return w.Status(), nil
}

// Lookup returns the watcher registered for dir.
func (r *Registry) Lookup(dir string) (*watcher.Watcher, bool) {
	dir = filepath.Clean(dir)
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.watchers[dir]
	return w, ok
}

// ListPaths returns the registered directories in lexical order.
func (r *Registry) ListPaths() []string {
	r.mu.RLock()
	paths := make([]string, 0, len(r.watchers))
	for p := range r.watchers {
		paths = append(paths, p)
	}
	r.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

// Unregister stops the watcher for dir, cancelling its tail sessions, and
// removes it.
func (r *Registry) Unregister(ctx context.Context, dir string) (Outcome, error) {
	dir = filepath.Clean(dir)

	unlock := r.keys.Lock(dir)
	defer unlock()

	r.mu.Lock()
	w, ok := r.watchers[dir]
	if ok {
		delete(r.watchers, dir)
	}
	r.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}

	w.Stop()

	r.logger.Info("watcher unregistered", slog.String("log_dir", dir))
	r.record(ctx, journal.Entry{Kind: journal.KindUnregistered, LogDir: dir})
	return Stopped, nil
}

// DeleteInactiveFiles starts a background purge of dir and returns once it
// has been accepted. The purge outcome is logged and journaled.
func (r *Registry) DeleteInactiveFiles(dir string) error {
	w, ok := r.Lookup(dir)
	if !ok {
		return ErrNotFound
	}

	r.mu.RLock()
	closed := r.closed
	if !closed {
		r.purges.Add(1)
	}
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	go func() {
		defer r.purges.Done()
		res, err := w.DeleteInactiveFiles(r.baseCtx)
		if err != nil {
			r.logger.Warn("purge inactive files failed",
				slog.String("log_dir", w.Dir()),
				slog.Any("error", err),
			)
			return
		}
		for _, perr := range res.Errors {
			r.logger.Warn("purge: remove failed",
				slog.String("log_dir", w.Dir()),
				slog.Any("error", perr),
			)
		}
		r.record(r.baseCtx, journal.Entry{
			Kind:   journal.KindPurged,
			LogDir: w.Dir(),
			Detail: map[string]any{
				"deleted": res.Deleted,
				"kept":    res.Kept,
				"errors":  len(res.Errors),
			},
		})
	}()
	return nil
}

// ShutdownAll stops every watcher concurrently, waits for background purges,
// and leaves the registry empty. Later calls are no-ops, and Register fails
// with ErrClosed afterwards.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ws := r.watchers
	r.watchers = make(map[string]*watcher.Watcher)
	r.mu.Unlock()

	r.cancelBase()

	g, gctx := errgroup.WithContext(ctx)
	for dir, w := range ws {
		g.Go(func() error {
			w.Stop()
			r.record(gctx, journal.Entry{Kind: journal.KindShutdown, LogDir: dir})
			return nil
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		r.purges.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("registry: waiting for purges: %w", ctx.Err()))
	}

	r.logger.Info("all watchers stopped", slog.Int("count", len(ws)))
	return err
}

func (r *Registry) startWatcher(ctx context.Context, cfg config.WatcherConfig) (*watcher.Watcher, error) {
	w, err := watcher.New(cfg, r.logger, r.watcherOpts...)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil, err
	}
	return w, nil
}

// record writes e to the journal. Journal failures never fail the operation.
func (r *Registry) record(ctx context.Context, e journal.Entry) {
	if err := r.journal.Record(ctx, e); err != nil {
		r.logger.Warn("journal record failed",
			slog.String("kind", string(e.Kind)),
			slog.String("log_dir", e.LogDir),
			slog.Any("error", err),
		)
	}
}

func configDetail(cfg config.WatcherConfig) map[string]any {
	d := map[string]any{"log_level": cfg.LogLevel}
	if cfg.MaxActiveFiles > 0 {
		d["max_active_files"] = cfg.MaxActiveFiles
	}
	if cfg.RetentionDays > 0 {
		d["retention_days"] = cfg.RetentionDays
	}
	return d
}
