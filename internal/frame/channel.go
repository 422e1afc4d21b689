package frame

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Push after the producer signaled end-of-stream.
	ErrClosed = errors.New("frame: push on closed channel")
	// ErrTimeout is returned by Pop when no frame arrived in time. It is
	// not an end-of-stream signal; the consumer should poll again.
	ErrTimeout = errors.New("frame: poll timeout")
)

// Channel is a bounded FIFO between one producer and one consumer.
//
// Push blocks while Cap frames are buffered. Close marks end-of-stream:
// frames already buffered are still delivered, after which Pop returns
// io.EOF for good. Close must not race with a Push from another goroutine;
// in practice the producer closes its own channel once it is done.
type Channel struct {
	ch chan Frame

	mu     sync.RWMutex
	closed bool
}

// NewChannel creates a channel holding at most capacity frames (minimum 1).
func NewChannel(capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{ch: make(chan Frame, capacity)}
}

// Push enqueues f, blocking while the channel is full. It returns ctx.Err()
// if ctx is done first, so an aborted run never leaves the producer stuck.
func (c *Channel) Push(ctx context.Context, f Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop waits up to timeout for the next frame. It returns ErrTimeout when
// nothing arrived and io.EOF once the channel is closed and drained.
func (c *Channel) Pop(timeout time.Duration) (Frame, error) {
	select {
	case f, ok := <-c.ch:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	default:
	}
	if timeout <= 0 {
		return Frame{}, ErrTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f, ok := <-c.ch:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	case <-timer.C:
		return Frame{}, ErrTimeout
	}
}

// Close signals end-of-stream. Calling it more than once is a no-op.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// Len returns the number of buffered frames.
func (c *Channel) Len() int { return len(c.ch) }

// Cap returns the fixed capacity.
func (c *Channel) Cap() int { return cap(c.ch) }
