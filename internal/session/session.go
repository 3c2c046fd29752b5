// Package session runs tail and head reads against files inside managed log
// directories. Each read is a Session that owns a linestream.Stream, is
// recorded on the directory's watcher while it runs, and ends exactly once as
// completed, cancelled, or failed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/tripwire/logmanager/internal/journal"
	"github.com/tripwire/logmanager/internal/linestream"
	"github.com/tripwire/logmanager/internal/tailer"
	"github.com/tripwire/logmanager/internal/watcher"
)

var (
	// ErrDirectoryNotManaged is returned when the file's directory has no
	// running watcher.
	ErrDirectoryNotManaged = errors.New("log dir is not managed")

	// ErrFileNotFound is returned when the file does not exist in a managed
	// directory.
	ErrFileNotFound = errors.New("log file not found")

	// ErrInvalidLineCount is returned for a negative line count, or for a
	// follow tail whose initial lines would not fit the stream queue.
	ErrInvalidLineCount = errors.New("line count must be a positive integer")

	// ErrFollowNotSupported is returned when follow is requested on a head.
	ErrFollowNotSupported = errors.New("follow is only supported for tail")
)

// DefaultLines is the line count used when a request leaves it at zero.
const DefaultLines = 10

// Outcome is how a session ended.
type Outcome string

const (
	Completed Outcome = "completed"
	Cancelled Outcome = "cancelled"
	Failed    Outcome = "failed"
)

// Locator finds the watcher that manages a directory.
type Locator interface {
	Lookup(dir string) (*watcher.Watcher, bool)
}

// Request describes a read.
type Request struct {
	// FilePath is the absolute path of the file to read.
	FilePath string
	// Lines is the number of lines to read. Zero selects the controller's
	// default; negative values are rejected.
	Lines int
	// Follow keeps a tail open and streams appended lines.
	Follow bool
}

// Session is one in-progress read. Consumers read Stream until it returns an
// error and call Cancel if they stop early.
type Session struct {
	ID       string
	FilePath string
	LogDir   string
	Mode     tailer.Mode
	Lines    int
	Follow   bool

	// Stream carries the file's lines in order.
	Stream *linestream.Stream

	ctx    context.Context
	cancel context.CancelFunc

	w       *watcher.Watcher
	logger  *slog.Logger
	journal journal.Journal

	once    sync.Once
	done    chan struct{}
	outcome Outcome
	err     error
}

// Cancel stops the session. It does not wait for the producer to exit; use
// Done for that.
func (s *Session) Cancel() {
	s.cancel()
}

// Done is closed once the session has ended and been detached from its
// watcher.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome reports how the session ended. It is only meaningful after Done is
// closed.
func (s *Session) Outcome() Outcome {
	<-s.done
	return s.outcome
}

// Err returns the producer failure of a Failed session.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// finish detaches the session from its watcher before terminating the
// stream, so a watcher never lists a session whose stream has ended.
func (s *Session) finish(outcome Outcome, err error) {
	s.once.Do(func() {
		s.w.Detach(s.ID)

		switch outcome {
		case Completed:
			s.Stream.End()
		case Failed:
			s.Stream.Fail(err)
		default:
			s.Stream.Cancel()
		}
		s.cancel()

		s.outcome = outcome
		s.err = err

		attrs := []any{
			slog.String("session_id", s.ID),
			slog.String("file", s.FilePath),
			slog.String("outcome", string(outcome)),
		}
		if err != nil {
			s.logger.Warn("tail session failed", append(attrs, slog.Any("error", err))...)
		} else {
			s.logger.Debug("tail session ended", attrs...)
		}

		detail := map[string]any{"session_id": s.ID, "outcome": string(outcome)}
		if err != nil {
			detail["error"] = err.Error()
		}
		record(context.WithoutCancel(s.ctx), s.journal, s.logger, journal.Entry{
			Kind:     journal.KindSessionEnded,
			LogDir:   s.LogDir,
			FilePath: s.FilePath,
			Detail:   detail,
		})

		close(s.done)
	})
}

// streamSink adapts a Session to tailer.Sink.
//
// Bounded reads are paced by the consumer: OnLine waits for room in the
// stream, and the producer goroutine waits with it. A follow tail cannot
// wait on a consumer that stopped reading, so it pushes without waiting and
// fails with ErrOverflow once the consumer falls a full queue behind.
type streamSink struct{ s *Session }

func (k streamSink) OnLine(line []byte) {
	if !k.s.Follow {
		// An error here means the session is ending; finish runs elsewhere.
		_ = k.s.Stream.PushWait(k.s.ctx, line)
		return
	}
	if !k.s.Stream.Push(line) {
		if err := k.s.Stream.Err(); errors.Is(err, linestream.ErrOverflow) {
			k.s.finish(Failed, err)
		}
	}
}

func (k streamSink) OnDone(err error) {
	if err != nil {
		k.s.finish(Failed, err)
		return
	}
	k.s.finish(Completed, nil)
}

// Controller validates read requests and starts sessions.
type Controller struct {
	locator      Locator
	producer     tailer.Producer
	logger       *slog.Logger
	journal      journal.Journal
	maxPending   int
	defaultLines int
}

// Option configures a Controller.
type Option func(*Controller)

// WithJournal records session starts and ends to j.
func WithJournal(j journal.Journal) Option {
	return func(c *Controller) { c.journal = j }
}

// WithMaxPending bounds each session's stream queue. It also caps the line
// count of a follow tail.
func WithMaxPending(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

// WithDefaultLines overrides DefaultLines.
func WithDefaultLines(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.defaultLines = n
		}
	}
}

// NewController returns a Controller that resolves directories through loc
// and reads files with p.
func NewController(loc Locator, p tailer.Producer, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		locator:      loc,
		producer:     p,
		logger:       logger,
		journal:      journal.Nop{},
		maxPending:   linestream.DefaultMaxPending,
		defaultLines: DefaultLines,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tail starts a session that reads the last req.Lines lines of the file and,
// with req.Follow, keeps streaming appended lines until cancelled.
func (c *Controller) Tail(ctx context.Context, req Request) (*Session, error) {
	return c.start(ctx, tailer.ModeTail, req)
}

// Head starts a session that reads the first req.Lines lines of the file.
func (c *Controller) Head(ctx context.Context, req Request) (*Session, error) {
	if req.Follow {
		return nil, ErrFollowNotSupported
	}
	return c.start(ctx, tailer.ModeHead, req)
}

// start validates req, attaches a new session to the directory's watcher, and
// starts the producer. The session is cancelled when ctx is done, when
// Session.Cancel is called, or when the watcher stops.
func (c *Controller) start(ctx context.Context, mode tailer.Mode, req Request) (*Session, error) {
	lines := req.Lines
	switch {
	case lines < 0:
		return nil, fmt.Errorf("%w: %d", ErrInvalidLineCount, lines)
	case lines == 0:
		lines = c.defaultLines
	}
	if req.Follow && lines > c.maxPending {
		return nil, fmt.Errorf("%w: follow supports at most %d lines, got %d", ErrInvalidLineCount, c.maxPending, lines)
	}

	path := filepath.Clean(req.FilePath)
	dir := filepath.Dir(path)
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryNotManaged, dir)
	}

	w, ok := c.locator.Lookup(dir)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryNotManaged, dir)
	}

	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("session: %w", err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrFileNotFound, path)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:       uuid.NewString(),
		FilePath: path,
		LogDir:   w.Dir(),
		Mode:     mode,
		Lines:    lines,
		Follow:   req.Follow,
		Stream:   linestream.New(c.maxPending),
		ctx:      sctx,
		cancel:   cancel,
		w:        w,
		logger:   w.Logger(),
		journal:  c.journal,
		done:     make(chan struct{}),
	}

	if err := w.Attach(watcher.TailRef{
		ID:       s.ID,
		FilePath: path,
		Follow:   req.Follow,
		Cancel:   cancel,
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDirectoryNotManaged, dir)
	}

	s.logger.Debug("tail session started",
		slog.String("session_id", s.ID),
		slog.String("file", path),
		slog.String("mode", mode.String()),
		slog.Int("lines", lines),
		slog.Bool("follow", req.Follow),
	)
	record(context.WithoutCancel(ctx), c.journal, s.logger, journal.Entry{
		Kind:     journal.KindSessionStarted,
		LogDir:   s.LogDir,
		FilePath: path,
		Detail: map[string]any{
			"session_id": s.ID,
			"mode":       mode.String(),
			"lines":      lines,
			"follow":     req.Follow,
		},
	})

	handle, err := c.producer.Start(tailer.Request{
		Path:   path,
		Lines:  lines,
		Mode:   mode,
		Follow: req.Follow,
	}, streamSink{s: s})
	if err != nil {
		s.finish(Failed, err)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("session: start %s: %w", mode, err)
	}

	// finish always cancels sctx, so this goroutine exits for every outcome
	// and the producer is always told to stop.
	go func() {
		<-sctx.Done()
		handle.Stop()
		s.finish(Cancelled, nil)
	}()

	return s, nil
}

func record(ctx context.Context, j journal.Journal, logger *slog.Logger, e journal.Entry) {
	if err := j.Record(ctx, e); err != nil {
		logger.Warn("journal record failed",
			slog.String("kind", string(e.Kind)),
			slog.Any("error", err),
		)
	}
}
