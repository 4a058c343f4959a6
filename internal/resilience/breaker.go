// Package resilience provides reliability patterns for calls to the audit
// store and other dependencies whose failure must degrade fast.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls, including calls
// that arrive while a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Option configures a Breaker.
type Option func(*Breaker)

// IgnoreErrors makes errors matching any of errs (via errors.Is) count as
// successes. Use it for outcomes that say nothing about the dependency's
// health, such as a caller giving up or a duplicate write.
func IgnoreErrors(errs ...error) Option {
	return func(b *Breaker) {
		b.ignore = append(b.ignore, errs...)
	}
}

// Breaker opens after maxFailures consecutive failures and rejects calls for
// timeout. It then lets exactly one probe through: success closes it, failure
// opens it again.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	probing     bool
	ignore      []error
	now         func() time.Time
	onChange    func(from, to string)
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, timeout time.Duration, opts ...Option) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	b := &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OnStateChange registers fn to be called, without the lock held, whenever
// the breaker changes state. A later call replaces the hook.
func (b *Breaker) OnStateChange(fn func(from, to string)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// State returns "closed", "open" or "half_open".
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// Execute runs fn unless the breaker is open. fn's error is returned as is.
func (b *Breaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	failed := err != nil && !b.ignored(err)

	b.mu.Lock()
	from := b.state
	if probe {
		b.probing = false
	}
	if failed {
		b.failures++
		if b.state == stateHalfOpen || b.failures >= b.maxFailures {
			b.state = stateOpen
			b.openedAt = b.now()
		}
	} else if b.state != stateOpen {
		b.failures = 0
		b.state = stateClosed
	}
	to, hook := b.state, b.onChange
	b.mu.Unlock()

	if hook != nil && from != to {
		hook(from.String(), to.String())
	}
	return err
}

// admit decides whether a call may run and whether it is the half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = stateHalfOpen
		fallthrough
	case stateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.probing = true
		probe = true
	}
	to, hook := b.state, b.onChange
	b.mu.Unlock()

	if hook != nil && from != to {
		hook(from.String(), to.String())
	}
	return probe, nil
}

func (b *Breaker) ignored(err error) bool {
	for _, target := range b.ignore {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
