package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/record"
	"github.com/Strob0t/tenantgate/internal/port/partition"
)

var (
	_ partition.Pool        = (*Pool)(nil)
	_ partition.Provisioner = (*Pool)(nil)
)

// errConnClosed is returned by a connection after Discard.
var errConnClosed = errors.New("connection closed")

// Pool is a bounded pool of simulated connections over in-memory partitions.
// Each connection holds a mutable "current partition" exactly like a session
// variable on a real connection: a connection returned without a reset would
// carry its partition into the next checkout. Session calls read that state
// at call time rather than capturing it, so such a leak would be visible.
type Pool struct {
	mu         sync.RWMutex
	partitions map[string]map[string]record.Record

	slots    chan *conn
	nextID   atomic.Int64
	discards atomic.Int64

	hookMu    sync.Mutex
	resetHook func(ctx context.Context) error
}

// NewPool creates a pool holding size connections.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		partitions: make(map[string]map[string]record.Record),
		slots:      make(chan *conn, size),
	}
	for range size {
		p.slots <- p.newConn()
	}
	return p
}

func (p *Pool) newConn() *conn {
	return &conn{pool: p, id: p.nextID.Add(1)}
}

// OnReset installs fn to run at the start of every Reset. A non-nil error
// fails the reset; blocking simulates a stuck connection.
func (p *Pool) OnReset(fn func(ctx context.Context) error) {
	p.hookMu.Lock()
	p.resetHook = fn
	p.hookMu.Unlock()
}

// Discards returns how many connections have been discarded.
func (p *Pool) Discards() int64 {
	return p.discards.Load()
}

// Idle returns the number of connections waiting in the pool.
func (p *Pool) Idle() int {
	return len(p.slots)
}

// Acquire checks out a connection, waiting until one is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (partition.Conn, error) {
	select {
	case c := <-p.slots:
		return c, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire: %w: %w", domain.ErrPartitionUnavailable, ctx.Err())
	}
}

// CreatePartition allocates an empty partition.
func (p *Pool) CreatePartition(_ context.Context, partitionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.partitions[partitionID]; ok {
		return fmt.Errorf("create partition: %w", domain.ErrConflict)
	}
	p.partitions[partitionID] = make(map[string]record.Record)
	return nil
}

// DropPartition destroys a partition and all its records.
func (p *Pool) DropPartition(_ context.Context, partitionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.partitions[partitionID]; !ok {
		return fmt.Errorf("drop partition: %w", domain.ErrNotFound)
	}
	delete(p.partitions, partitionID)
	return nil
}

// conn is one simulated connection.
type conn struct {
	pool *Pool
	id   int64

	mu      sync.Mutex
	current string
	closed  bool
}

func (c *conn) partition() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errConnClosed
	}
	if c.current == "" {
		// A neutral connection sees no partition at all.
		return "", fmt.Errorf("connection %d is not bound: %w", c.id, domain.ErrPartitionUnavailable)
	}
	return c.current, nil
}

func (c *conn) Bind(_ context.Context, partitionID string) (partition.Session, error) {
	if partitionID == "" {
		return nil, fmt.Errorf("bind: empty partition: %w", domain.ErrPartitionUnavailable)
	}
	c.pool.mu.RLock()
	_, exists := c.pool.partitions[partitionID]
	c.pool.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("bind: partition does not exist: %w", domain.ErrPartitionUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnClosed
	}
	if c.current != "" {
		return nil, fmt.Errorf("bind: connection %d already bound", c.id)
	}
	c.current = partitionID
	return &session{c: c}, nil
}

func (c *conn) Reset(ctx context.Context) error {
	c.pool.hookMu.Lock()
	hook := c.pool.resetHook
	c.pool.hookMu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.current = ""
	return nil
}

// Release returns the connection to the pool. A connection that is still
// bound is discarded instead.
func (c *conn) Release() {
	c.mu.Lock()
	dirty := c.current != "" || c.closed
	c.mu.Unlock()
	if dirty {
		c.Discard()
		return
	}
	c.pool.slots <- c
}

// Discard closes the connection and puts a fresh one in its slot. Calling it
// twice, or while a Reset is in flight, is safe.
func (c *conn) Discard() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.pool.discards.Add(1)
	c.pool.slots <- c.pool.newConn()
}

// session reads the connection's current partition on every call.
type session struct {
	c *conn
}

func (s *session) PartitionID() string {
	id, _ := s.c.partition()
	return id
}

func (s *session) ListRecords(_ context.Context) ([]record.Record, error) {
	pid, err := s.c.partition()
	if err != nil {
		return nil, err
	}
	s.c.pool.mu.RLock()
	defer s.c.pool.mu.RUnlock()
	out := make([]record.Record, 0, len(s.c.pool.partitions[pid]))
	for _, r := range s.c.pool.partitions[pid] {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b record.Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *session) GetRecord(_ context.Context, id string) (*record.Record, error) {
	pid, err := s.c.partition()
	if err != nil {
		return nil, err
	}
	s.c.pool.mu.RLock()
	defer s.c.pool.mu.RUnlock()
	r, ok := s.c.pool.partitions[pid][id]
	if !ok {
		return nil, fmt.Errorf("get record %s: %w", id, domain.ErrNotFound)
	}
	return &r, nil
}

func (s *session) CreateRecord(_ context.Context, r *record.Record) error {
	pid, err := s.c.partition()
	if err != nil {
		return err
	}
	s.c.pool.mu.Lock()
	defer s.c.pool.mu.Unlock()
	recs, ok := s.c.pool.partitions[pid]
	if !ok {
		return fmt.Errorf("create record: partition gone: %w", domain.ErrPartitionUnavailable)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	recs[r.ID] = *r
	return nil
}

func (s *session) DeleteRecord(_ context.Context, id string) error {
	pid, err := s.c.partition()
	if err != nil {
		return err
	}
	s.c.pool.mu.Lock()
	defer s.c.pool.mu.Unlock()
	if _, ok := s.c.pool.partitions[pid][id]; !ok {
		return fmt.Errorf("delete record %s: %w", id, domain.ErrNotFound)
	}
	delete(s.c.pool.partitions[pid], id)
	return nil
}
