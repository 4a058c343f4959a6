package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer flushes and stops an async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncQueue is shared by an AsyncHandler and every handler derived from it
// through WithAttrs or WithGroup.
type asyncQueue struct {
	ch      chan asyncRecord
	wg      sync.WaitGroup
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

type asyncRecord struct {
	h   slog.Handler
	rec slog.Record
}

// AsyncHandler hands records to background workers. Records below keepLevel
// are dropped when the buffer is full; records at or above it (denials,
// audit failures) wait for room instead.
type AsyncHandler struct {
	inner     slog.Handler
	q         *asyncQueue
	keepLevel slog.Level
}

// NewAsyncHandler creates an AsyncHandler with the given buffer size and
// worker count. Warnings and errors are never dropped.
func NewAsyncHandler(inner slog.Handler, bufSize, workers int) *AsyncHandler {
	if workers < 1 {
		workers = 1
	}
	q := &asyncQueue{ch: make(chan asyncRecord, bufSize)}
	for range workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for r := range q.ch {
				_ = r.h.Handle(context.Background(), r.rec)
			}
		}()
	}
	return &AsyncHandler{inner: inner, q: q, keepLevel: slog.LevelWarn}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues rec. After Close it writes synchronously.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.q.mu.RLock()
	defer h.q.mu.RUnlock()
	if h.q.closed {
		return h.inner.Handle(ctx, rec)
	}

	r := asyncRecord{h: h.inner, rec: rec.Clone()}
	if rec.Level >= h.keepLevel {
		h.q.ch <- r
		return nil
	}
	select {
	case h.q.ch <- r:
	default:
		h.q.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q, keepLevel: h.keepLevel}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q, keepLevel: h.keepLevel}
}

// DroppedCount returns the number of records dropped for lack of buffer space.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.q.dropped.Load()
}

// Close drains the buffer and stops the workers. If records were dropped it
// logs how many. Calling Close again is a no-op.
func (h *AsyncHandler) Close() {
	h.q.mu.Lock()
	if h.q.closed {
		h.q.mu.Unlock()
		return
	}
	h.q.closed = true
	close(h.q.ch)
	h.q.mu.Unlock()

	h.q.wg.Wait()

	if n := h.q.dropped.Load(); n > 0 {
		rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async logger dropped records", 0)
		rec.AddAttrs(slog.Int64("dropped", n))
		_ = h.inner.Handle(context.Background(), rec)
	}
}
