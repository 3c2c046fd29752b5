package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPollInterval is the frequency at which a polling source scans its
// directory for changes.
const DefaultPollInterval = time.Second

// fileState holds the stable metadata for a single path snapshot entry.
type fileState struct {
	mode    os.FileMode
	size    int64
	modTime time.Time
}

// pollSource detects creates, writes, and deletes by comparing periodic
// snapshots of one directory. No kernel watch handle is held, so it works on
// network and FUSE file systems that never deliver inotify events.
type pollSource struct {
	dir      string
	logger   *slog.Logger
	interval time.Duration

	events chan FileEvent
	done   chan struct{}

	mu       sync.Mutex
	snapshot map[string]fileState
	wg       sync.WaitGroup

	stopOnce sync.Once
}

// NewPollSource returns a SourceFactory that polls every interval. Passing
// zero uses DefaultPollInterval.
func NewPollSource(interval time.Duration) SourceFactory {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return func(dir string, logger *slog.Logger) (EventSource, error) {
		s := &pollSource{
			dir:      dir,
			logger:   logger,
			interval: interval,
			events:   make(chan FileEvent, defaultBufferSize),
			done:     make(chan struct{}),
		}
		// Take the initial snapshot synchronously so that only changes made
		// after the factory returns are reported.
		s.snapshot = s.scan()
		s.wg.Add(1)
		go s.run()
		return s, nil
	}
}

func (s *pollSource) Events() <-chan FileEvent {
	return s.events
}

// Close stops polling and closes the Events channel. It is idempotent.
func (s *pollSource) Close() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

func (s *pollSource) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.scan()
			s.diff(s.snapshot, current)
			s.snapshot = current
			s.mu.Unlock()
		}
	}
}

// scan returns a path→fileState snapshot of the directory's immediate,
// non-directory children. A directory that cannot be read yields an empty
// snapshot, which reports every previously seen file as deleted.
func (s *pollSource) scan() map[string]fileState {
	result := make(map[string]fileState)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("watcher: cannot read directory",
			slog.String("path", s.dir),
			slog.Any("error", err),
		)
		return result
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		result[filepath.Join(s.dir, e.Name())] = fileState{
			mode:    fi.Mode(),
			size:    fi.Size(),
			modTime: fi.ModTime(),
		}
	}
	return result
}

// diff compares an old snapshot against a new one and emits a FileEvent for
// each detected change.
func (s *pollSource) diff(old, current map[string]fileState) {
	for path, cur := range current {
		prev, existed := old[path]
		switch {
		case !existed:
			s.emit(path, EventCreate)
		case cur.modTime != prev.modTime || cur.size != prev.size:
			s.emit(path, EventWrite)
		case cur.mode != prev.mode:
			s.emit(path, EventChmod)
		}
	}

	for path := range old {
		if _, ok := current[path]; !ok {
			s.emit(path, EventDelete)
		}
	}
}

// emit sends a FileEvent. If the event channel is full the event is dropped
// with a warning log; the next scan still reflects the file's state.
func (s *pollSource) emit(path string, t EventType) {
	evt := FileEvent{
		FilePath:  path,
		EventType: t,
		Timestamp: time.Now().UTC(),
	}

	select {
	case s.events <- evt:
	default:
		s.logger.Warn("watcher: event channel full, dropping event",
			slog.String("path", path),
			slog.String("operation", t.String()),
		)
	}
}
