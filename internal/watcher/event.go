// Package watcher provides the live monitor for one log directory. A Watcher
// counts file system events in its directory, hosts the bookkeeping for the
// tail sessions reading its files, lists the directory and purges inactive
// files.
//
// Events come from an EventSource. The default source is backed by
// github.com/fsnotify/fsnotify; a polling source that diffs periodic
// directory snapshots is available for file systems that do not deliver
// change notifications.
package watcher

import (
	"log/slog"
	"time"
)

// EventType classifies the kind of file system event detected.
type EventType uint32

const (
	// EventCreate indicates a file was created.
	EventCreate EventType = iota + 1
	// EventWrite indicates the file was written or modified.
	EventWrite
	// EventDelete indicates a file was deleted.
	EventDelete
	// EventRename indicates a file was renamed away, as log rotation does.
	EventRename
	// EventChmod indicates the file's attributes changed.
	EventChmod
)

// String returns the lower-case event name.
func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventWrite:
		return "write"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	case EventChmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// FileEvent carries the details of a single file system event.
type FileEvent struct {
	// FilePath is the absolute path of the file that triggered the event.
	FilePath string
	// EventType classifies the type of file system event.
	EventType EventType
	// Timestamp is when the event was observed.
	Timestamp time.Time
}

// EventSource delivers the file system events of one directory.
type EventSource interface {
	// Events returns the event channel. It is closed after Close.
	Events() <-chan FileEvent
	// Close releases the source. It is safe to call more than once.
	Close() error
}

// SourceFactory constructs the EventSource for dir.
type SourceFactory func(dir string, logger *slog.Logger) (EventSource, error)

// defaultBufferSize is the capacity of an EventSource's event channel. It
// keeps the OS callback from blocking while the counter goroutine catches up.
const defaultBufferSize = 64
