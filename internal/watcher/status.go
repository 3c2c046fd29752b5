package watcher

import (
	"sort"
	"time"
)

// Status is a point-in-time snapshot of a Watcher, shaped for JSON status
// responses.
type Status struct {
	LogDir               string    `json:"logDir"`
	WatchEventCount      int64     `json:"watchEventCount"`
	MaxNumberActiveFiles int       `json:"maxNumberActiveFiles,omitempty"`
	RetentionDays        int       `json:"retentionDays,omitempty"`
	LogLevel             string    `json:"logLevel,omitempty"`
	LogFilesTailed       []string  `json:"logFilesTailed"`
	StartedAt            time.Time `json:"startedAt"`
	Running              bool      `json:"running"`
}

// Status projects the watcher's counters and configuration. It has no side
// effects and may be called concurrently with any other method.
func (w *Watcher) Status() Status {
	files := w.tailedFiles()
	tailed := make([]string, 0, len(files))
	for f := range files {
		tailed = append(tailed, f)
	}
	sort.Strings(tailed)

	w.mu.Lock()
	startedAt := w.startedAt
	running := w.state == stateRunning
	w.mu.Unlock()

	return Status{
		LogDir:               w.cfg.LogDir,
		WatchEventCount:      w.eventCount.Load(),
		MaxNumberActiveFiles: w.cfg.MaxActiveFiles,
		RetentionDays:        w.cfg.RetentionDays,
		LogLevel:             w.cfg.LogLevel,
		LogFilesTailed:       tailed,
		StartedAt:            startedAt,
		Running:              running,
	}
}
