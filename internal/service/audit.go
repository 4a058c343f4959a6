package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/tenantgate/internal/adapter/otel"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/access"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/port/database"
	"github.com/Strob0t/tenantgate/internal/port/messagequeue"
	"github.com/Strob0t/tenantgate/internal/resilience"
)

const (
	auditWriteTimeout = 5 * time.Second
	verifyPageSize    = 500
)

// AuditService appends entries to the per-tenant hash chain.
//
// Sensitive actions are written to the store through a circuit breaker; when
// the store is unavailable they are published to the durable audit queue and
// appended later by HandleQueued. If neither accepts the entry the caller
// gets ErrAuditUnavailable. Other entries are best effort.
type AuditService struct {
	store   database.AuditStore
	queue   messagequeue.Queue
	breaker *resilience.Breaker
	metrics *otel.Metrics
	now     func() time.Time
}

// NewAuditService creates an AuditService. queue may be nil, in which case
// a store failure fails every sensitive action.
func NewAuditService(store database.AuditStore, queue messagequeue.Queue, breaker *resilience.Breaker, metrics *otel.Metrics) *AuditService {
	s := &AuditService{store: store, queue: queue, breaker: breaker, metrics: metrics, now: time.Now}
	breaker.OnStateChange(func(from, to string) {
		slog.Warn("audit store breaker changed state", "from", from, "to", to)
		metrics.Breaker(context.Background(), "audit_store", from, to)
	})
	return s
}

// Record appends e. Missing ID and Timestamp are filled in. The timestamp is
// truncated to microseconds so the hash survives a database round trip.
func (s *AuditService) Record(ctx context.Context, e audit.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)

	sensitive := e.Action.Sensitive()
	ctx, span := otel.StartAuditSpan(ctx, string(e.Action), sensitive)
	defer span.End()

	// The action may already have happened; a canceled request must not
	// cancel its audit write.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	err := s.breaker.Execute(func() error {
		return s.store.AppendAudit(wctx, &e)
	})
	if err == nil {
		s.metrics.Audit(ctx, "store", sensitive)
		return nil
	}

	if !sensitive {
		slog.WarnContext(ctx, "audit write dropped", "action", e.Action, "error", err)
		s.metrics.Audit(ctx, "dropped", false)
		return nil
	}

	if s.queue != nil {
		qerr := s.enqueue(wctx, e)
		if qerr == nil {
			slog.WarnContext(ctx, "audit store unavailable, entry queued", "action", e.Action, "store_error", err)
			s.metrics.Audit(ctx, "queue", true)
			return nil
		}
		err = errors.Join(err, qerr)
	}

	slog.ErrorContext(ctx, "sensitive audit entry could not be recorded", "action", e.Action, "error", err)
	s.metrics.Audit(ctx, "failed", true)
	return fmt.Errorf("%w: %s", domain.ErrAuditUnavailable, e.Action)
}

func (s *AuditService) enqueue(ctx context.Context, e audit.Entry) error {
	data, err := json.Marshal(messagequeue.AuditEntryPayload{
		ID:          e.ID,
		TenantID:    e.TenantID,
		Timestamp:   e.Timestamp,
		PrincipalID: e.PrincipalID,
		Action:      string(e.Action),
		Resource:    e.Resource,
		Outcome:     string(e.Outcome),
		CallerIP:    e.CallerIP,
	})
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	return s.queue.Publish(ctx, messagequeue.SubjectAuditEntries, data)
}

// Guard records an "attempted" entry, runs op only if that entry was
// accepted, then records op's outcome. The attempted entry is what makes a
// sensitive action durable before the caller sees a response; a failure to
// record the outcome afterwards is logged, not returned.
func (s *AuditService) Guard(ctx context.Context, e audit.Entry, op func(ctx context.Context) error) error {
	e.ID = ""
	e.Timestamp = time.Time{}
	if err := s.Record(ctx, e.WithOutcome(audit.OutcomeAttempted)); err != nil {
		return err
	}

	opErr := op(ctx)

	outcome := audit.OutcomeSuccess
	if opErr != nil {
		outcome = audit.OutcomeFailure
	}
	if err := s.Record(ctx, e.WithOutcome(outcome)); err != nil {
		slog.ErrorContext(ctx, "audit outcome not recorded", "action", e.Action, "outcome", outcome, "error", err)
	}
	return opErr
}

// Denied records a refused attempt at action. It never fails the caller.
func (s *AuditService) Denied(ctx context.Context, rc access.RequestContext, action audit.Action, resource string) {
	if rc.TenantID() == "" {
		return
	}
	if err := s.Record(ctx, rc.Entry(action, resource).WithOutcome(audit.OutcomeDenied)); err != nil {
		slog.WarnContext(ctx, "audit of denied action failed", "action", action, "error", err)
	}
}

// List returns up to limit entries of the tenant's chain after afterSeq.
func (s *AuditService) List(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > verifyPageSize {
		limit = 100
	}
	return s.store.ListAudit(ctx, tenantID, afterSeq, limit)
}

// Verify recomputes the tenant's whole chain and checks it ends at the stored
// head. The head is read first so concurrent appends are not mistaken for
// tampering.
func (s *AuditService) Verify(ctx context.Context, tenantID string) (audit.Report, error) {
	head, err := s.store.AuditHead(ctx, tenantID)
	if err != nil {
		return audit.Report{}, fmt.Errorf("audit head: %w", err)
	}
	var all []audit.Entry
	var after int64
	for {
		page, err := s.store.ListAudit(ctx, tenantID, after, verifyPageSize)
		if err != nil {
			return audit.Report{}, fmt.Errorf("list audit: %w", err)
		}
		all = append(all, page...)
		if len(page) < verifyPageSize {
			break
		}
		after = page[len(page)-1].Seq
	}
	return audit.VerifyAgainstHead(tenantID, all, head), nil
}

// HandleQueued appends an entry taken from the durable audit queue. An entry
// that is already in the chain counts as appended.
func (s *AuditService) HandleQueued(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.AuditEntryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode queued audit entry: %w", err)
	}
	e := audit.Entry{
		ID:          p.ID,
		TenantID:    p.TenantID,
		Timestamp:   p.Timestamp.UTC().Truncate(time.Microsecond),
		PrincipalID: p.PrincipalID,
		Action:      audit.Action(p.Action),
		Resource:    p.Resource,
		Outcome:     audit.Outcome(p.Outcome),
		CallerIP:    p.CallerIP,
	}
	var duplicate bool
	err := s.breaker.Execute(func() error {
		err := s.store.AppendAudit(ctx, &e)
		if errors.Is(err, domain.ErrConflict) {
			duplicate = true
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("append queued audit entry: %w", err)
	}
	if !duplicate {
		slog.InfoContext(ctx, "queued audit entry appended", "action", e.Action, "seq", e.Seq)
	}
	return nil
}

// Start consumes the durable audit queue.
func (s *AuditService) Start(ctx context.Context) (func(), error) {
	if s.queue == nil {
		return func() {}, nil
	}
	return s.queue.Subscribe(ctx, messagequeue.SubjectAuditEntries, s.HandleQueued)
}
