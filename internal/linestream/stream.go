// Package linestream adapts a push-based line producer to a pull-based
// consumer such as an HTTP response writer.
//
// A Stream holds an ordered queue of pending chunks. The producer calls Push
// for every chunk and exactly one of End, Fail or Cancel to terminate. The
// consumer calls Next until it returns a non-nil error. Push never blocks the
// producer; the queue is bounded by the maximum number of pending chunks and
// overflowing it fails the stream with ErrOverflow so that a stalled consumer
// can never grow memory without limit. A producer that can afford to be paced
// by its consumer uses PushWait instead, which waits for room.
package linestream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultMaxPending is the queue bound used when New is given a value ≤ 0.
const DefaultMaxPending = 4096

var (
	// ErrCancelled is returned by Next after Cancel.
	ErrCancelled = errors.New("linestream: cancelled")

	// ErrOverflow is the terminal error of a stream whose consumer fell more
	// than the configured number of chunks behind the producer.
	ErrOverflow = errors.New("linestream: pending queue overflow")

	// ErrClosed is returned by PushWait on a stream that has ended.
	ErrClosed = errors.New("linestream: closed")
)

type state int

const (
	stateOpen state = iota
	stateEnded
	stateFailed
	stateCancelled
)

// Stream is a single-consumer, non-restartable sequence of chunks. It is safe
// for one producer and one consumer to use concurrently, and for any
// goroutine to call Cancel.
type Stream struct {
	mu         sync.Mutex
	pending    [][]byte
	maxPending int
	state      state
	err        error

	// wake has capacity 1; a pending token means "re-check the queue".
	wake chan struct{}
	// room has capacity 1; a pending token means a chunk was consumed.
	room chan struct{}
	// done is closed on the first terminal transition.
	done chan struct{}
}

// New returns an open Stream whose queue holds at most maxPending chunks.
func New(maxPending int) *Stream {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Stream{
		maxPending: maxPending,
		wake:       make(chan struct{}, 1),
		room:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Push appends a copy of chunk to the queue. It reports false when the chunk
// was not accepted, either because the stream is already terminal or because
// accepting it would exceed the queue bound (in which case the stream fails
// with ErrOverflow).
func (s *Stream) Push(chunk []byte) bool {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return false
	}
	if len(s.pending) >= s.maxPending {
		s.terminateLocked(stateFailed, ErrOverflow)
		s.mu.Unlock()
		return false
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.pending = append(s.pending, c)
	s.mu.Unlock()

	s.signal()
	return true
}

// PushWait appends a copy of chunk, waiting while the queue is full until the
// consumer takes a chunk, the stream terminates, or ctx is done. It never
// fails the stream. A terminal stream yields its terminal error, or ErrClosed
// after End.
func (s *Stream) PushWait(ctx context.Context, chunk []byte) error {
	c := make([]byte, len(chunk))
	copy(c, chunk)
	for {
		s.mu.Lock()
		if s.state != stateOpen {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return err
		}
		if len(s.pending) < s.maxPending {
			s.pending = append(s.pending, c)
			s.mu.Unlock()
			s.signal()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-s.room:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// End marks that no more chunks will arrive. Chunks already queued are still
// delivered, after which Next returns io.EOF. End on a terminal stream is a
// no-op.
func (s *Stream) End() {
	s.mu.Lock()
	s.terminateLocked(stateEnded, nil)
	s.mu.Unlock()
}

// Fail terminates the stream with err. Chunks already queued are delivered
// first, then Next returns err. Fail on a terminal stream is a no-op.
func (s *Stream) Fail(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	s.mu.Lock()
	s.terminateLocked(stateFailed, err)
	s.mu.Unlock()
}

// Cancel terminates the stream immediately and discards any pending chunks.
// It is used when the consumer goes away. Cancel on a terminal stream is a
// no-op, so a stream that ended normally keeps its undelivered tail.
func (s *Stream) Cancel() {
	s.mu.Lock()
	if s.state == stateOpen {
		s.pending = nil
	}
	s.terminateLocked(stateCancelled, ErrCancelled)
	s.mu.Unlock()
}

// terminateLocked performs the unique terminal transition. s.mu must be held.
func (s *Stream) terminateLocked(to state, err error) {
	if s.state != stateOpen {
		return
	}
	s.state = to
	s.err = err
	close(s.done)
	s.signal()
}

func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a chunk is available, the stream terminates, or ctx is
// done. It returns io.EOF after End once the queue is drained, the failure
// error after Fail once the queue is drained, and ErrCancelled after Cancel.
// A ctx error is returned as is and leaves the stream untouched.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.state == stateCancelled {
			s.mu.Unlock()
			return nil, ErrCancelled
		}
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.mu.Unlock()
			select {
			case s.room <- struct{}{}:
			default:
			}
			return chunk, nil
		}
		switch s.state {
		case stateEnded:
			s.mu.Unlock()
			return nil, io.EOF
		case stateFailed:
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done returns a channel that is closed on the first terminal transition.
// Queued chunks may still be readable after Done is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error: nil while open or after End, ErrCancelled
// after Cancel, and the failure cause after Fail.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Terminated reports whether End, Fail or Cancel has been called.
func (s *Stream) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != stateOpen
}

// Pending returns the number of queued, undelivered chunks.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Copy writes chunks to w until the stream terminates or ctx is done. It
// calls flush, when non-nil, after every chunk so that bytes reach the client
// before the producer finishes. A stream that ended normally returns nil.
func (s *Stream) Copy(ctx context.Context, w io.Writer, flush func() error) (int64, error) {
	var n int64
	for {
		chunk, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		written, err := w.Write(chunk)
		n += int64(written)
		if err != nil {
			return n, err
		}
		if flush != nil {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
}
