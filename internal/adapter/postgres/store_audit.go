package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
)

// AppendAudit seals e against the tenant's chain head and inserts it in one
// transaction. The head row is locked FOR UPDATE, so concurrent appends for
// one tenant are serialized and the chain never forks.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Make sure a head row exists to lock.
	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_chain_heads (tenant_id, seq, hash) VALUES ($1, 0, '')
		 ON CONFLICT (tenant_id) DO NOTHING`, e.TenantID); err != nil {
		return fmt.Errorf("append audit: init head: %w", err)
	}

	var prevSeq int64
	var prevHash string
	if err := tx.QueryRow(ctx,
		`SELECT seq, hash FROM audit_chain_heads WHERE tenant_id = $1 FOR UPDATE`, e.TenantID,
	).Scan(&prevSeq, &prevHash); err != nil {
		return fmt.Errorf("append audit: lock head: %w", err)
	}

	audit.Seal(e, prevSeq, prevHash)

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_log (id, tenant_id, seq, ts, principal_id, action, resource, outcome, caller_ip, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.TenantID, e.Seq, e.Timestamp, e.PrincipalID, e.Action, e.Resource, e.Outcome,
		e.CallerIP, e.PrevHash, e.Hash); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append audit %s: %w", e.ID, domain.ErrConflict)
		}
		return fmt.Errorf("append audit: insert: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE audit_chain_heads SET seq = $2, hash = $3 WHERE tenant_id = $1`,
		e.TenantID, e.Seq, e.Hash); err != nil {
		return fmt.Errorf("append audit: move head: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("append audit: commit: %w", err)
	}
	return nil
}

// ListAudit returns up to limit entries with seq > afterSeq, ordered by seq.
// limit <= 0 returns all remaining entries.
func (s *Store) ListAudit(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]audit.Entry, error) {
	query := `SELECT id, tenant_id, seq, ts, principal_id, action, resource, outcome, caller_ip, prev_hash, hash
		 FROM audit_log WHERE tenant_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{tenantID, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit %s: %w", tenantID, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Entry, error) {
		var e audit.Entry
		err := row.Scan(&e.ID, &e.TenantID, &e.Seq, &e.Timestamp, &e.PrincipalID, &e.Action,
			&e.Resource, &e.Outcome, &e.CallerIP, &e.PrevHash, &e.Hash)
		e.Timestamp = e.Timestamp.UTC()
		return e, err
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("list audit %s: %w", tenantID, err)
	}
	return entries, nil
}

// AuditHead returns the tenant's chain head row, or the zero Head when the
// tenant has never been audited.
func (s *Store) AuditHead(ctx context.Context, tenantID string) (audit.Head, error) {
	var h audit.Head
	err := s.pool.QueryRow(ctx,
		`SELECT seq, hash FROM audit_chain_heads WHERE tenant_id = $1`, tenantID,
	).Scan(&h.Seq, &h.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Head{}, nil
	}
	if err != nil {
		return audit.Head{}, fmt.Errorf("audit head %s: %w", tenantID, err)
	}
	return h, nil
}
