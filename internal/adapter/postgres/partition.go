package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/record"
	"github.com/Strob0t/tenantgate/internal/port/partition"
)

var (
	_ partition.Pool        = (*PartitionPool)(nil)
	_ partition.Provisioner = (*PartitionPool)(nil)
)

// partitionSetting is the session variable the records RLS policy reads.
const partitionSetting = "app.partition"

var errConnClosed = errors.New("connection discarded")

// PartitionPool binds pooled PostgreSQL connections to one partition at a
// time through the app.partition session variable. The variable is set with
// is_local=false so it survives across statements; Reset clears it before
// the connection goes back to the pool.
type PartitionPool struct {
	pool *pgxpool.Pool
}

// NewPartitionPool wraps pool. The pool should be dedicated to partition
// traffic and its role must be subject to row-level security.
func NewPartitionPool(pool *pgxpool.Pool) *PartitionPool {
	return &PartitionPool{pool: pool}
}

func (p *PartitionPool) Acquire(ctx context.Context) (partition.Conn, error) {
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w: %w", domain.ErrPartitionUnavailable, err)
	}
	return &pgConn{pc: pc}, nil
}

// CreatePartition registers partitionID so connections may bind to it.
func (p *PartitionPool) CreatePartition(ctx context.Context, partitionID string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO partitions (id) VALUES ($1)`, partitionID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create partition: %w", domain.ErrConflict)
		}
		return fmt.Errorf("create partition: %w", err)
	}
	return nil
}

// DropPartition removes partitionID. Its records go with it via cascade.
func (p *PartitionPool) DropPartition(ctx context.Context, partitionID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM partitions WHERE id = $1`, partitionID)
	return execExpectOne(tag, err, "drop partition")
}

// pgConn is one checked-out connection. mu is held for the duration of every
// statement so Discard can tell whether the wire is busy.
type pgConn struct {
	mu    sync.Mutex
	pc    *pgxpool.Conn
	bound string

	doneMu sync.Mutex
	done   bool
}

// finish marks the connection as handed back. It returns false if that
// already happened.
func (c *pgConn) finish() bool {
	c.doneMu.Lock()
	defer c.doneMu.Unlock()
	if c.done {
		return false
	}
	c.done = true
	return true
}

func (c *pgConn) isDone() bool {
	c.doneMu.Lock()
	defer c.doneMu.Unlock()
	return c.done
}

func (c *pgConn) Bind(ctx context.Context, partitionID string) (partition.Session, error) {
	if partitionID == "" {
		return nil, fmt.Errorf("bind: empty partition: %w", domain.ErrPartitionUnavailable)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDone() {
		return nil, errConnClosed
	}
	if c.bound != "" {
		return nil, errors.New("bind: connection already bound")
	}

	var exists bool
	if err := c.pc.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM partitions WHERE id = $1)`, partitionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("bind: %w: %w", domain.ErrPartitionUnavailable, err)
	}
	if !exists {
		return nil, fmt.Errorf("bind: partition does not exist: %w", domain.ErrPartitionUnavailable)
	}
	if _, err := c.pc.Exec(ctx, `SELECT set_config($1, $2, false)`, partitionSetting, partitionID); err != nil {
		return nil, fmt.Errorf("bind: %w: %w", domain.ErrPartitionUnavailable, err)
	}
	c.bound = partitionID
	return &pgSession{c: c, id: partitionID}, nil
}

// Reset clears the partition variable and reads it back. The connection is
// only considered neutral once the server confirms it.
func (c *pgConn) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDone() {
		return errConnClosed
	}
	if _, err := c.pc.Exec(ctx, `SELECT set_config($1, '', false)`, partitionSetting); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	var current *string
	if err := c.pc.QueryRow(ctx, `SELECT current_setting($1, true)`, partitionSetting).Scan(&current); err != nil {
		return fmt.Errorf("reset: verify: %w", err)
	}
	if current != nil && *current != "" {
		return fmt.Errorf("reset: partition still set to %q", *current)
	}
	c.bound = ""
	return nil
}

// Release returns the connection to the pool, or discards it if it was never
// reset.
func (c *pgConn) Release() {
	c.mu.Lock()
	dirty := c.bound != ""
	c.mu.Unlock()
	if dirty {
		c.Discard()
		return
	}
	if c.finish() {
		c.pc.Release()
	}
}

// Discard takes the connection out of the pool and closes it. If a statement
// is still running, the close happens once it returns.
func (c *pgConn) Discard() {
	if !c.finish() {
		return
	}
	if c.mu.TryLock() {
		c.closeLocked()
		return
	}
	go func() {
		c.mu.Lock()
		c.closeLocked()
	}()
}

func (c *pgConn) closeLocked() {
	defer c.mu.Unlock()
	raw := c.pc.Hijack()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = raw.Close(ctx)
}

// pgSession issues record queries on the bound connection. None of them name
// the partition: the RLS policy and the column default supply it.
type pgSession struct {
	c  *pgConn
	id string
}

func (s *pgSession) PartitionID() string { return s.id }

// conn locks the connection for one statement. The caller unlocks.
func (s *pgSession) conn() (*pgxpool.Conn, error) {
	s.c.mu.Lock()
	if s.c.isDone() || s.c.bound != s.id {
		s.c.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", s.id, domain.ErrPartitionUnavailable)
	}
	return s.c.pc, nil
}

const recordColumns = `id, title, body, created_by, created_at`

func scanRecord(row scannable) (record.Record, error) {
	var r record.Record
	err := row.Scan(&r.ID, &r.Title, &r.Body, &r.CreatedBy, &r.CreatedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, err
}

func (s *pgSession) ListRecords(ctx context.Context) ([]record.Record, error) {
	pc, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer s.c.mu.Unlock()

	rows, err := pc.Query(ctx, `SELECT `+recordColumns+` FROM records ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (record.Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

func (s *pgSession) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, domain.ErrNotFound)
	}
	pc, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer s.c.mu.Unlock()

	r, err := scanRecord(pc.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get record %s", id)
	}
	return &r, nil
}

func (s *pgSession) CreateRecord(ctx context.Context, r *record.Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	pc, err := s.conn()
	if err != nil {
		return err
	}
	defer s.c.mu.Unlock()

	_, err = pc.Exec(ctx,
		`INSERT INTO records (id, title, body, created_by, created_at) VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.Title, r.Body, r.CreatedBy, r.CreatedAt)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return fmt.Errorf("create record %s: %w", r.ID, domain.ErrConflict)
	case isForeignKeyViolation(err):
		return fmt.Errorf("create record: partition gone: %w", domain.ErrPartitionUnavailable)
	default:
		return fmt.Errorf("create record: %w", err)
	}
}

func (s *pgSession) DeleteRecord(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("delete record %s: %w", id, domain.ErrNotFound)
	}
	pc, err := s.conn()
	if err != nil {
		return err
	}
	defer s.c.mu.Unlock()

	tag, err := pc.Exec(ctx, `DELETE FROM records WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete record %s", id)
}
