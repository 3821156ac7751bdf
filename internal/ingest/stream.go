// Package ingest turns the sensing client's push callbacks into a pull-based,
// cancellable stream of updates.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/claude/wodtimer/internal/sensor"
)

var (
	// ErrClosed is returned by Next once the stream has been closed.
	ErrClosed = errors.New("ingest: stream closed")
	// ErrRegistration wraps a listener registration failure.
	ErrRegistration = errors.New("ingest: listener registration failed")
)

// Stream delivers sensing updates in callback order. The producing callback
// blocks until the consumer takes the update or the stream closes, so nothing
// is dropped while the stream is open.
type Stream struct {
	updates chan sensor.Update
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reg       sensor.Registration
	err       error
	stop      func() bool
}

// Open registers with client and returns the stream. A registration failure
// does not fail Open; it is reported by the first call to Next. Cancelling
// ctx closes the stream.
func Open(ctx context.Context, client sensor.Client) *Stream {
	s := &Stream{
		updates: make(chan sensor.Update),
		done:    make(chan struct{}),
	}

	reg, err := client.Register(s.deliver)
	s.mu.Lock()
	if err != nil {
		s.err = fmt.Errorf("%w: %w", ErrRegistration, err)
	} else {
		s.reg = reg
	}
	s.mu.Unlock()

	if err != nil {
		s.Close()
		return s
	}
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	return s
}

func (s *Stream) deliver(u sensor.Update) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.updates <- u:
	case <-s.done:
	}
}

// Next blocks for the next update. It returns the registration error if
// registration failed, ErrClosed after Close, or ctx.Err().
func (s *Stream) Next(ctx context.Context) (sensor.Update, error) {
	select {
	case u := <-s.updates:
		return u, nil
	case <-s.done:
		return sensor.Update{}, s.Err()
	case <-ctx.Done():
		return sensor.Update{}, ctx.Err()
	}
}

// All ranges over updates until the stream ends. The final pair carries the
// terminal error; breaking out of the loop closes the stream.
func (s *Stream) All(ctx context.Context) iter.Seq2[sensor.Update, error] {
	return func(yield func(sensor.Update, error) bool) {
		defer s.Close()
		for {
			u, err := s.Next(ctx)
			if err != nil {
				yield(sensor.Update{}, err)
				return
			}
			if !yield(u, nil) {
				return
			}
		}
	}
}

// Err returns the terminal error once the stream is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
		return nil
	}
}

// Close unregisters the listener. Safe to call more than once and from any
// goroutine, including concurrently with an in-flight callback.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		reg, stop := s.reg, s.stop
		s.reg = nil
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		if reg != nil {
			reg.Unregister()
		}
	})
}

// Done is closed when the stream closes.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
