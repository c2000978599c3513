// Package queue implements the per-model bounded request FIFO of spec §4.4:
// held while a backend is not READY, drained on READY, failed on
// START-FAIL, cleared on forced reset, swept for entries that have waited
// past request_timeout. Grounded on the reference gateway's queueCh/genCh
// channel pair (internal/manager/admission.go, queue_admission.go) plus the
// richer per-entry bookkeeping of the original's RequestQueue (enqueue
// timestamp, expiry sweep, queue stats) — a mutex-guarded slice rather than
// a semaphore channel, since FIFO handoff with timestamps and timeout sweep
// don't fit a channel's opaque buffer.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"modeld/internal/apierr"
)

// Ticket is one admitted request's handle. The caller that enqueued it
// blocks on Result() until the queue releases it (proceed to forward),
// resolves it with an error (start failure, queue cleared, timeout), or the
// caller's own context is cancelled.
type Ticket struct {
	ID          string
	EnqueuedAt  time.Time
	ctx         context.Context
	resultCh    chan error
}

// Result returns the channel that receives the ticket's resolution: nil when
// it's this ticket's turn to forward, or the resolution error otherwise.
func (t *Ticket) Result() <-chan error { return t.resultCh }

// Queue is a bounded per-model FIFO of Tickets.
type Queue struct {
	capacity int
	timeout  time.Duration

	mu    chanMutex
	items []*Ticket
}

// chanMutex is a trivial non-reentrant mutex backed by a buffered channel so
// the same primitive the reference gateway uses for admission (a channel)
// is reused here for the queue's internal lock, per spec §5's channel-based
// serialization guidance — a sync.Mutex would work identically; this keeps
// the queue lock-free of any risk of a goroutine leak on panic by relying on
// defer Unlock as usual.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// New constructs a Queue with the given capacity (spec default 100) and
// per-entry timeout (spec default 30s).
func New(capacity int, timeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Queue{capacity: capacity, timeout: timeout, mu: newChanMutex()}
}

// Enqueue admits a new ticket if capacity allows, else returns a QueueFull
// error carrying a Retry-After hint.
func (q *Queue) Enqueue(ctx context.Context) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return nil, apierr.New(apierr.KindQueueFull, "queue is full (capacity %d)", q.capacity).WithRetryAfter(1)
	}
	t := &Ticket{
		ID:         uuid.NewString(),
		EnqueuedAt: time.Now(),
		ctx:        ctx,
		resultCh:   make(chan error, 1),
	}
	q.items = append(q.items, t)
	return t, nil
}

// Remove drops t from the queue without resolving it, used when the
// caller's own context is cancelled while still waiting (spec §5:
// "[cancellation] removes the request from its queue if still pending").
func (q *Queue) Remove(t *Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(t)
}

func (q *Queue) removeLocked(t *Ticket) {
	for i, it := range q.items {
		if it == t {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Drain hands every queued ticket to the forwarder in FIFO order by
// resolving each with nil. A ticket whose client has already cancelled is
// dropped silently rather than resolved.
func (q *Queue) Drain() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, t := range items {
		if t.ctx != nil && t.ctx.Err() != nil {
			continue
		}
		t.resultCh <- nil
	}
}

// Fail resolves every queued ticket with the given start-failure error and
// empties the queue, per spec §4.4's "Fail" operation.
func (q *Queue) Fail(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, t := range items {
		t.resultCh <- err
	}
}

// Clear resolves every queued ticket with a "queue cleared" error, the
// operator-recovery admin verb.
func (q *Queue) Clear() {
	q.Fail(apierr.New(apierr.KindQueueFull, "queue cleared"))
}

// SweepTimeouts resolves and removes every ticket that has waited longer
// than the configured timeout, with a QueueTimeout error (504). Intended to
// be called periodically by a background task.
func (q *Queue) SweepTimeouts() int {
	q.mu.Lock()
	now := time.Now()
	var expired []*Ticket
	kept := q.items[:0:0]
	for _, t := range q.items {
		if now.Sub(t.EnqueuedAt) > q.timeout {
			expired = append(expired, t)
			continue
		}
		kept = append(kept, t)
	}
	q.items = kept
	q.mu.Unlock()
	for _, t := range expired {
		t.resultCh <- apierr.New(apierr.KindQueueTimeout, "queued request timed out after %s", q.timeout)
	}
	return len(expired)
}

// Depth returns the current number of queued tickets.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Oldest returns the enqueue timestamp of the oldest queued ticket, if any.
func (q *Queue) Oldest() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].EnqueuedAt, true
}

// Capacity returns the queue's configured capacity.
func (q *Queue) Capacity() int { return q.capacity }

// SetLimits updates the queue's capacity and per-entry timeout in place,
// used when a config reload changes queue overrides for a model whose
// backend keeps running (spec §6's in-place field update path). Tickets
// already queued stay queued even if they exceed the new capacity; the new
// capacity applies to subsequent Enqueue calls, and the new timeout applies
// to every queued ticket, old or new, at the next SweepTimeouts call.
func (q *Queue) SetLimits(capacity int, timeout time.Duration) {
	if capacity <= 0 {
		capacity = 100
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	q.mu.Lock()
	q.capacity = capacity
	q.timeout = timeout
	q.mu.Unlock()
}
