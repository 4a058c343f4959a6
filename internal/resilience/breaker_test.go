package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errStoreDown = errors.New("audit store unavailable")

func fail() error    { return errStoreDown }
func succeed() error { return nil }

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int, opts ...Option) (*Breaker, *clock) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(maxFailures, time.Minute, opts...)
	b.now = c.Now
	return b, c
}

func TestBreaker_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		steps func(b *Breaker, c *clock)
		want  string
	}{
		{"starts closed", func(*Breaker, *clock) {}, "closed"},
		{"below threshold stays closed", func(b *Breaker, _ *clock) {
			_ = b.Execute(fail)
			_ = b.Execute(fail)
		}, "closed"},
		{"threshold opens", func(b *Breaker, _ *clock) {
			for range 3 {
				_ = b.Execute(fail)
			}
		}, "open"},
		{"success resets the count", func(b *Breaker, _ *clock) {
			_ = b.Execute(fail)
			_ = b.Execute(fail)
			_ = b.Execute(succeed)
			_ = b.Execute(fail)
			_ = b.Execute(fail)
		}, "closed"},
		{"probe success closes", func(b *Breaker, c *clock) {
			for range 3 {
				_ = b.Execute(fail)
			}
			c.Advance(time.Minute)
			_ = b.Execute(succeed)
		}, "closed"},
		{"probe failure reopens", func(b *Breaker, c *clock) {
			for range 3 {
				_ = b.Execute(fail)
			}
			c.Advance(time.Minute)
			_ = b.Execute(fail)
		}, "open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, c := newTestBreaker(3)
			tt.steps(b, c)
			if got := b.State(); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	b, c := newTestBreaker(1)
	_ = b.Execute(fail)

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn ran while open")
	}

	c.Advance(59 * time.Second)
	if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("before timeout: expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	b, c := newTestBreaker(1)
	_ = b.Execute(fail)
	c.Advance(time.Minute)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second caller during probe: expected ErrCircuitOpen, got %v", err)
	}
	if got := b.State(); got != "half_open" {
		t.Errorf("state during probe = %s, want half_open", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if err := b.Execute(succeed); err != nil {
		t.Errorf("after probe success: %v", err)
	}
}

func TestBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	errDuplicate := errors.New("duplicate entry")
	b, _ := newTestBreaker(2, IgnoreErrors(context.Canceled, errDuplicate))

	for range 5 {
		_ = b.Execute(func() error { return context.Canceled })
		_ = b.Execute(func() error { return errors.Join(errDuplicate, errors.New("ctx")) })
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("state = %s, want closed", got)
	}

	// Ignored errors are still returned to the caller.
	if err := b.Execute(func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled passed through, got %v", err)
	}
}

func TestBreaker_StateChangeHook(t *testing.T) {
	b, c := newTestBreaker(2)
	var transitions []string
	b.OnStateChange(func(from, to string) {
		transitions = append(transitions, from+"->"+to)
	})

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	c.Advance(time.Minute)
	_ = b.Execute(succeed)

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}
