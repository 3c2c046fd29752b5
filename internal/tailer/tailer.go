// Package tailer produces the head or tail of a log file line by line.
//
// A producer is started for one file with a line count and, for tails, an
// optional follow flag. Lines are delivered through a Sink on a goroutine
// owned by the producer. Bounded reads (head, and tail without follow) finish
// by calling Sink.OnDone; a follow-mode tail keeps delivering appended lines
// until its Handle is stopped.
package tailer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nxadm/tail"
)

// Mode selects which end of the file is read.
type Mode int

const (
	// ModeTail reads the last N lines.
	ModeTail Mode = iota
	// ModeHead reads the first N lines.
	ModeHead
)

// String returns "tail" or "head".
func (m Mode) String() string {
	if m == ModeHead {
		return "head"
	}
	return "tail"
}

// ErrInvalidRequest is returned by Start for a malformed Request.
var ErrInvalidRequest = errors.New("tailer: invalid request")

// Request describes one read.
type Request struct {
	// Path is the file to read.
	Path string
	// Lines is the number of lines to produce; must be positive.
	Lines int
	// Mode selects head or tail.
	Mode Mode
	// Follow keeps a tail open and delivers appended lines. Only valid with
	// ModeTail.
	Follow bool
}

// Sink receives the output of a producer. OnLine calls are sequential and
// each line carries its trailing newline, except the final line of a bounded
// read when the file does not end with one. OnDone is called at most once,
// after the last OnLine, with nil on natural completion or the read error. It
// is never called after the Handle has been stopped. OnLine may block; the
// producer waits for it.
type Sink interface {
	OnLine(line []byte)
	OnDone(err error)
}

// Handle controls a running producer.
type Handle interface {
	// Stop ceases further emission. It does not wait and is safe to call
	// more than once.
	Stop()
}

// Producer starts reads.
type Producer interface {
	Start(req Request, sink Sink) (Handle, error)
}

// FileProducer is the Producer backed by github.com/nxadm/tail.
type FileProducer struct {
	// Poll makes follow-mode reads poll for changes instead of using
	// inotify.
	Poll bool
}

// NewFileProducer returns a FileProducer.
func NewFileProducer(poll bool) *FileProducer {
	return &FileProducer{Poll: poll}
}

// Start opens req.Path and begins producing lines on a new goroutine. Errors
// detected before any line is produced (bad request, missing file) are
// returned here rather than through the Sink.
func (p *FileProducer) Start(req Request, sink Sink) (Handle, error) {
	if req.Lines <= 0 {
		return nil, fmt.Errorf("%w: line count %d must be positive", ErrInvalidRequest, req.Lines)
	}
	if req.Follow && req.Mode != ModeTail {
		return nil, fmt.Errorf("%w: follow is only valid for tail", ErrInvalidRequest)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrInvalidRequest)
	}

	var offset int64
	if req.Mode == ModeTail {
		var err error
		offset, err = LastLinesOffset(req.Path, req.Lines)
		if err != nil {
			return nil, fmt.Errorf("tailer: %w", err)
		}
	}

	terminated := true
	if !req.Follow {
		var err error
		terminated, err = endsWithNewline(req.Path)
		if err != nil {
			return nil, fmt.Errorf("tailer: %w", err)
		}
	}

	t, err := tail.TailFile(req.Path, tail.Config{
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Follow:    req.Follow,
		ReOpen:    req.Follow,
		MustExist: true,
		Poll:      p.Poll,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("tailer: open %q: %w", req.Path, err)
	}

	h := &fileHandle{t: t, stop: make(chan struct{}), terminated: terminated}
	go h.run(req, sink)
	return h, nil
}

type fileHandle struct {
	t        *tail.Tail
	stop     chan struct{}
	stopOnce sync.Once

	// terminated reports whether the file ended with a newline when a
	// bounded read started.
	terminated bool
}

func (h *fileHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *fileHandle) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// halt kills the tail goroutine. Lines is drained meanwhile so a tail blocked
// on an undelivered line can observe the kill and exit.
func (h *fileHandle) halt() {
	go func() {
		for range h.t.Lines {
		}
	}()
	_ = h.t.Stop()
}

func (h *fileHandle) run(req Request, sink Sink) {
	defer h.t.Cleanup()

	// A bounded read holds back the latest line until the next one arrives
	// or the file is exhausted, so that only the true final line can be
	// delivered without a newline.
	var (
		held    string
		holding bool
		count   int
	)
	deliver := func(text string, newline bool) {
		buf := make([]byte, 0, len(text)+1)
		buf = append(buf, text...)
		if newline {
			buf = append(buf, '\n')
		}
		sink.OnLine(buf)
		count++
	}

	for {
		select {
		case <-h.stop:
			h.halt()
			return
		case line, ok := <-h.t.Lines:
			if !ok {
				// Lines is closed before the tail goroutine records its exit
				// reason, so wait for it.
				err := h.t.Wait()
				if h.stopped() {
					return
				}
				if holding {
					deliver(held, err != nil || h.terminated)
				}
				sink.OnDone(err)
				return
			}
			if line.Err != nil {
				h.halt()
				if h.stopped() {
					return
				}
				if holding {
					deliver(held, true)
				}
				sink.OnDone(line.Err)
				return
			}
			if h.stopped() {
				h.halt()
				return
			}

			if req.Follow {
				deliver(line.Text, true)
				continue
			}
			if holding {
				deliver(held, true)
				if req.Mode == ModeHead && count >= req.Lines {
					h.halt()
					if !h.stopped() {
						sink.OnDone(nil)
					}
					return
				}
			}
			held, holding = line.Text, true
		}
	}
}

// endsWithNewline reports whether the file at path is empty or ends with a
// newline.
func endsWithNewline(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	if fi.Size() == 0 {
		return true, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}

// readBlockSize is the chunk size used when scanning a file backwards.
const readBlockSize = 64 * 1024

// LastLinesOffset returns the byte offset at which the last n lines of the
// file at path begin. A newline that terminates the file does not start an
// extra empty line. Files with n lines or fewer yield 0.
func LastLinesOffset(path string, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: line count %d must be positive", ErrInvalidRequest, n)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	end := fi.Size()
	if end == 0 {
		return 0, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, end-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		end--
	}

	buf := make([]byte, readBlockSize)
	seen := 0
	for end > 0 {
		start := end - readBlockSize
		if start < 0 {
			start = 0
		}
		block := buf[:end-start]
		if _, err := f.ReadAt(block, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		for i := len(block) - 1; i >= 0; i-- {
			if block[i] != '\n' {
				continue
			}
			seen++
			if seen == n {
				return start + int64(i) + 1, nil
			}
		}
		end = start
	}
	return 0, nil
}
