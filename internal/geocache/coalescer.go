package geocache

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCancelled is returned to waiters whose pending call was dropped by
	// Cancel or CancelAll.
	ErrCancelled = errors.New("coalesced call cancelled")
	// ErrClosed is returned by Schedule after CancelAll(true) tore the coalescer down.
	ErrClosed = errors.New("coalescer closed")
)

// Producer computes the value for a key. ctx is cancelled when a newer call
// for the same key supersedes this one.
type Producer[T any] func(ctx context.Context) (T, error)

type result[T any] struct {
	val T
	err error
}

type pendingCall[T any] struct {
	gen     uint64
	timer   *time.Timer
	fn      Producer[T]
	waiters []chan result[T]
	fired   bool
	cancel  context.CancelFunc
}

// Coalescer debounces calls per key: only the last producer scheduled within
// the quiet period runs, and every waiter attached to the key receives its
// result. A producer already running when a new call arrives is cancelled and
// its waiters move to the new call.
type Coalescer[T any] struct {
	mu      sync.Mutex
	pending map[string]*pendingCall[T]
	seq     uint64
	closed  bool
}

// NewCoalescer constructs an empty coalescer.
func NewCoalescer[T any]() *Coalescer[T] {
	return &Coalescer[T]{pending: make(map[string]*pendingCall[T])}
}

// Schedule registers fn for key and blocks until the coalesced call for key
// completes, ctx is done, or the call is cancelled.
func (c *Coalescer[T]) Schedule(ctx context.Context, key string, delay time.Duration, fn Producer[T]) (T, error) {
	var zero T
	ch := make(chan result[T], 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	c.seq++
	next := &pendingCall[T]{gen: c.seq, fn: fn}
	if prev, ok := c.pending[key]; ok {
		next.waiters = append(next.waiters, prev.waiters...)
		c.stop(prev)
		coalescerEvents.WithLabelValues("superseded").Inc()
	}
	next.waiters = append(next.waiters, ch)
	c.pending[key] = next
	gen := next.gen
	next.timer = time.AfterFunc(delay, func() { c.fire(key, gen) })
	c.mu.Unlock()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Pending reports the number of keys with a scheduled or running call.
func (c *Coalescer[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Cancel drops the pending call for key. Its producer is never invoked, or is
// cancelled if already running; waiters receive ErrCancelled.
func (c *Coalescer[T]) Cancel(key string) {
	c.mu.Lock()
	call, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		c.stop(call)
	}
	c.mu.Unlock()
	if ok {
		coalescerEvents.WithLabelValues("cancelled").Inc()
		release(call.waiters, ErrCancelled)
	}
}

// CancelAll drops every pending call. With close set, later Schedule calls
// fail with ErrClosed; use it on teardown so no late callback runs.
func (c *Coalescer[T]) CancelAll(close bool) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*pendingCall[T])
	if close {
		c.closed = true
	}
	for _, call := range calls {
		c.stop(call)
	}
	c.mu.Unlock()
	for _, call := range calls {
		coalescerEvents.WithLabelValues("cancelled").Inc()
		release(call.waiters, ErrCancelled)
	}
}

// stop must be called with c.mu held.
func (c *Coalescer[T]) stop(call *pendingCall[T]) {
	if call.timer != nil {
		call.timer.Stop()
	}
	if call.cancel != nil {
		call.cancel()
	}
}

func (c *Coalescer[T]) fire(key string, gen uint64) {
	c.mu.Lock()
	call, ok := c.pending[key]
	if !ok || call.gen != gen || call.fired {
		c.mu.Unlock()
		return
	}
	call.fired = true
	ctx, cancel := context.WithCancel(context.Background())
	call.cancel = cancel
	fn := call.fn
	c.mu.Unlock()

	coalescerEvents.WithLabelValues("fired").Inc()
	val, err := fn(ctx)
	cancel()

	c.mu.Lock()
	current, ok := c.pending[key]
	if !ok || current.gen != gen {
		// superseded or cancelled while running; the result is stale
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	waiters := current.waiters
	c.mu.Unlock()

	for _, w := range waiters {
		w <- result[T]{val: val, err: err}
	}
}

func release[T any](waiters []chan result[T], err error) {
	for _, w := range waiters {
		w <- result[T]{err: err}
	}
}
