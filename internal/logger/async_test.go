package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// recordingHandler collects records, optionally blocking until released.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	gate    chan struct{}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.gate != nil {
		<-h.gate
	}
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) messages(level slog.Level) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range h.records {
		if r.Level == level {
			out = append(out, r.Message)
		}
	}
	return out
}

func record(level slog.Level, msg string) slog.Record {
	return slog.NewRecord(time.Now(), level, msg, 0)
}

func TestAsyncHandler_DeliversAllOnClose(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 1000, 4)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				_ = ah.Handle(context.Background(), record(slog.LevelInfo, "request"))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := len(inner.messages(slog.LevelInfo)); got != 500 {
		t.Fatalf("expected 500 records, got %d", got)
	}
	if ah.DroppedCount() != 0 {
		t.Errorf("dropped %d with room to spare", ah.DroppedCount())
	}
}

func TestAsyncHandler_DropsInfoButKeepsWarnings(t *testing.T) {
	inner := &recordingHandler{gate: make(chan struct{})}
	ah := NewAsyncHandler(inner, 1, 1)

	// The worker blocks on the first record; the buffer holds one more.
	_ = ah.Handle(context.Background(), record(slog.LevelInfo, "first"))
	time.Sleep(10 * time.Millisecond)
	_ = ah.Handle(context.Background(), record(slog.LevelInfo, "second"))
	for range 10 {
		_ = ah.Handle(context.Background(), record(slog.LevelInfo, "flood"))
	}
	if ah.DroppedCount() == 0 {
		t.Fatal("expected info records to be dropped")
	}

	denied := make(chan struct{})
	go func() {
		_ = ah.Handle(context.Background(), record(slog.LevelWarn, "access denied"))
		close(denied)
	}()
	close(inner.gate)
	<-denied
	ah.Close()

	warns := inner.messages(slog.LevelWarn)
	var sawDenied, sawSummary bool
	for _, m := range warns {
		sawDenied = sawDenied || m == "access denied"
		sawSummary = sawSummary || m == "async logger dropped records"
	}
	if !sawDenied {
		t.Error("warning was dropped")
	}
	if !sawSummary {
		t.Error("expected a dropped-records summary on close")
	}
}

func TestAsyncHandler_WritesSynchronouslyAfterClose(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 10, 1)
	ah.Close()
	ah.Close()

	derived := ah.WithAttrs([]slog.Attr{slog.String("k", "v")})
	if err := derived.Handle(context.Background(), record(slog.LevelInfo, "late")); err != nil {
		t.Fatal(err)
	}
	if got := inner.messages(slog.LevelInfo); len(got) != 1 || got[0] != "late" {
		t.Errorf("got %v", got)
	}
}
