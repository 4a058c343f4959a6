package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Strob0t/tenantgate/internal/port/messagequeue"
)

var _ messagequeue.Queue = (*Queue)(nil)

type message struct {
	subject string
	data    []byte
}

// Queue is an in-process messagequeue.Queue. Messages are delivered
// synchronously during Publish. A persistent message whose handler fails, or
// that has no subscriber yet, stays pending until Redeliver succeeds for it.
// Fan-out subjects under "cache." are fire-and-forget, as on NATS.
type Queue struct {
	mu         sync.Mutex
	handlers   map[string]map[int]messagequeue.Handler
	nextID     int
	pending    []message
	publishErr error
	closed     bool
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{handlers: make(map[string]map[int]messagequeue.Handler)}
}

// FailPublish makes Publish return err until called with nil.
func (q *Queue) FailPublish(err error) {
	q.mu.Lock()
	q.publishErr = err
	q.mu.Unlock()
}

// Publish validates data and delivers it to every subscriber of subject.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("publish %s: queue closed", subject)
	}
	if q.publishErr != nil {
		err := q.publishErr
		q.mu.Unlock()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	q.mu.Unlock()

	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	if !q.deliver(ctx, message{subject: subject, data: data}) && !strings.HasPrefix(subject, "cache.") {
		q.mu.Lock()
		q.pending = append(q.pending, message{subject: subject, data: data})
		q.mu.Unlock()
	}
	return nil
}

// deliver runs every handler for msg and reports whether all succeeded and
// at least one existed.
func (q *Queue) deliver(ctx context.Context, msg message) bool {
	q.mu.Lock()
	hs := make([]messagequeue.Handler, 0, len(q.handlers[msg.subject]))
	for _, h := range q.handlers[msg.subject] {
		hs = append(hs, h)
	}
	q.mu.Unlock()

	if len(hs) == 0 {
		return false
	}
	ok := true
	for _, h := range hs {
		if err := h(ctx, msg.subject, msg.data); err != nil {
			slog.ErrorContext(ctx, "message handler failed", "subject", msg.subject, "error", err)
			ok = false
		}
	}
	return ok
}

// Subscribe registers handler for subject.
func (q *Queue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers[subject] == nil {
		q.handlers[subject] = make(map[int]messagequeue.Handler)
	}
	id := q.nextID
	q.nextID++
	q.handlers[subject][id] = handler
	return func() {
		q.mu.Lock()
		delete(q.handlers[subject], id)
		q.mu.Unlock()
	}, nil
}

// Redeliver retries every pending message and returns how many remain.
func (q *Queue) Redeliver(ctx context.Context) int {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	var failed []message
	for _, msg := range batch {
		if !q.deliver(ctx, msg) {
			failed = append(failed, msg)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(failed, q.pending...)
	return len(q.pending)
}

// Pending returns the number of undelivered messages.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain stops accepting messages.
func (q *Queue) Drain() error {
	return q.Close()
}

// Close stops accepting messages.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

// IsConnected reports whether the queue is open.
func (q *Queue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}
