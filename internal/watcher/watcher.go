package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/logmanager/internal/config"
	"github.com/tripwire/logmanager/internal/logging"
)

var (
	// ErrStopped is returned when a session tries to attach to a watcher
	// that is not running.
	ErrStopped = errors.New("watcher: not running")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("watcher: already started")
)

// TailRef is the watcher's view of an in-progress tail session: enough to
// report the file being read and to ask the session to stop. The watcher
// never touches the session's stream.
type TailRef struct {
	// ID uniquely identifies the session.
	ID string
	// FilePath is the file being read.
	FilePath string
	// Follow reports whether the session is a live tail.
	Follow bool
	// Cancel asks the session to terminate. It must not block.
	Cancel func()
}

type runState int

const (
	stateCreated runState = iota
	stateRunning
	stateStopped
)

// Watcher monitors one log directory. Create one with New, then Start it. A
// stopped Watcher cannot be restarted; the registry creates a fresh one.
// Watcher is safe for concurrent use.
type Watcher struct {
	cfg       config.WatcherConfig
	logger    *slog.Logger
	newSource SourceFactory
	// pollInterval is non-zero when the source polls the directory.
	pollInterval time.Duration
	now          func() time.Time

	eventCount atomic.Int64

	mu        sync.Mutex
	state     runState
	startedAt time.Time
	sessions  map[string]TailRef
	src       EventSource
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSourceFactory replaces the fsnotify event source.
func WithSourceFactory(f SourceFactory) Option {
	return func(w *Watcher) { w.newSource = f }
}

// WithPollInterval replaces the fsnotify event source with one that rescans
// the directory every d. d ≤ 0 uses DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	if d <= 0 {
		d = DefaultPollInterval
	}
	return func(w *Watcher) {
		w.newSource = NewPollSource(d)
		w.pollInterval = d
	}
}

// WithClock replaces time.Now, for purge tests.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// New validates cfg and returns an unstarted Watcher. The logger is filtered
// at cfg.LogLevel regardless of the level of the logger passed in.
func New(cfg config.WatcherConfig, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		cfg:       cfg,
		logger:    logging.WithLevel(logger, cfg.LogLevel).With(slog.String("log_dir", cfg.LogDir)),
		newSource: NewFSNotifySource,
		now:       time.Now,
		sessions:  make(map[string]TailRef),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start checks that the directory exists, opens the event source, and begins
// counting events in a background goroutine.
func (w *Watcher) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateCreated {
		return ErrAlreadyStarted
	}

	fi, err := os.Stat(w.cfg.LogDir)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("watcher: %q is not a directory", w.cfg.LogDir)
	}

	src, err := w.newSource(w.cfg.LogDir, w.logger)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}

	w.src = src
	w.state = stateRunning
	w.startedAt = w.now().UTC()

	w.wg.Add(1)
	go w.run(src.Events())

	w.logger.Info("watcher started")
	return nil
}

// run counts events until the source closes or the watcher stops.
func (w *Watcher) run(events <-chan FileEvent) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			n := w.eventCount.Add(1)
			w.logger.Debug("watch event",
				slog.String("path", evt.FilePath),
				slog.String("operation", evt.EventType.String()),
				slog.Int64("watch_event_count", n),
			)
		}
	}
}

// Stop cancels every attached session, closes the event source, and waits for
// the counter goroutine to exit. Stop on a watcher that was never started
// only marks it stopped. It is idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.state == stateStopped {
		w.mu.Unlock()
		return
	}
	wasRunning := w.state == stateRunning
	w.state = stateStopped
	refs := make([]TailRef, 0, len(w.sessions))
	for _, ref := range w.sessions {
		refs = append(refs, ref)
	}
	w.sessions = make(map[string]TailRef)
	src := w.src
	close(w.done)
	w.mu.Unlock()

	for _, ref := range refs {
		if ref.Cancel != nil {
			ref.Cancel()
		}
	}

	if !wasRunning {
		return
	}
	if err := src.Close(); err != nil {
		w.logger.Warn("watcher: close event source", slog.Any("error", err))
	}
	w.wg.Wait()

	w.logger.Info("watcher stopped", slog.Int("sessions_cancelled", len(refs)))
}

// Attach records an in-progress session. It fails with ErrStopped unless the
// watcher is running, so a session can never outlive a stop it missed.
func (w *Watcher) Attach(ref TailRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateRunning {
		return ErrStopped
	}
	w.sessions[ref.ID] = ref
	w.logger.Debug("tail session attached",
		slog.String("session_id", ref.ID),
		slog.String("file", ref.FilePath),
		slog.Bool("follow", ref.Follow),
	)
	return nil
}

// Detach forgets a session. Detaching an unknown ID is a no-op.
func (w *Watcher) Detach(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.sessions[id]; ok {
		delete(w.sessions, id)
		w.logger.Debug("tail session detached", slog.String("session_id", id))
	}
}

// PollInterval returns the directory rescan interval, or zero when changes
// come from fsnotify.
func (w *Watcher) PollInterval() time.Duration {
	return w.pollInterval
}

// Dir returns the monitored directory.
func (w *Watcher) Dir() string {
	return w.cfg.LogDir
}

// Config returns the configuration the watcher was created with.
func (w *Watcher) Config() config.WatcherConfig {
	return w.cfg
}

// Running reports whether the watcher has been started and not stopped.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateRunning
}

// Logger returns the watcher's level-filtered logger.
func (w *Watcher) Logger() *slog.Logger {
	return w.logger
}

// tailedFiles returns the file paths of the attached sessions.
func (w *Watcher) tailedFiles() map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	files := make(map[string]struct{}, len(w.sessions))
	for _, ref := range w.sessions {
		files[ref.FilePath] = struct{}{}
	}
	return files
}
