package watcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsnotifySource is the EventSource backed by an fsnotify.Watcher on a
// single, non-recursive directory.
type fsnotifySource struct {
	fw     *fsnotify.Watcher
	logger *slog.Logger
	events chan FileEvent
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewFSNotifySource is the default SourceFactory.
func NewFSNotifySource(dir string, logger *slog.Logger) (EventSource, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("fsnotify: watch %q: %w", dir, err)
	}

	s := &fsnotifySource{
		fw:     fw,
		logger: logger,
		events: make(chan FileEvent, defaultBufferSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *fsnotifySource) Events() <-chan FileEvent {
	return s.events
}

func (s *fsnotifySource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.fw.Close()
		s.wg.Wait()
		close(s.events)
	})
	return s.closeErr
}

func (s *fsnotifySource) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.fw.Events:
			if !ok {
				return
			}
			s.emit(FileEvent{
				FilePath:  ev.Name,
				EventType: eventTypeOf(ev.Op),
				Timestamp: time.Now().UTC(),
			})
		case err, ok := <-s.fw.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher: fsnotify error", slog.Any("error", err))
		}
	}
}

// emit forwards evt unless the source is closing. A full channel blocks the
// fsnotify reader, which in turn lets the kernel queue absorb the burst.
func (s *fsnotifySource) emit(evt FileEvent) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

// eventTypeOf maps an fsnotify op set to the most significant EventType.
func eventTypeOf(op fsnotify.Op) EventType {
	switch {
	case op.Has(fsnotify.Create):
		return EventCreate
	case op.Has(fsnotify.Remove):
		return EventDelete
	case op.Has(fsnotify.Rename):
		return EventRename
	case op.Has(fsnotify.Write):
		return EventWrite
	default:
		return EventChmod
	}
}
