package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/tenantgate/internal/adapter/otel"
	"github.com/Strob0t/tenantgate/internal/config"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/access"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/database"
	"github.com/Strob0t/tenantgate/internal/port/messagequeue"
	"github.com/Strob0t/tenantgate/internal/port/partition"
)

// Principal ids recorded for transitions tenantgate makes on its own.
const (
	ActorBilling = "system:billing"
	ActorSweeper = "system:sweeper"
)

// Operation describes a request for the purposes of the subscription gate.
type Operation struct {
	Write   bool
	Billing bool
}

// CheckStanding maps the stored subscription status to a gate decision. It
// reads nothing but t.Status: lifecycle changes happen only through Transition.
func CheckStanding(t *tenant.Tenant) (access.Standing, error) {
	switch t.Status {
	case tenant.StatusTrialing, tenant.StatusActive:
		return access.StandingAllow, nil
	case tenant.StatusPastDue:
		return access.StandingReadOnly, nil
	case tenant.StatusSuspended, tenant.StatusCanceled:
		return "", domain.ErrSubscriptionSuspended
	default:
		// Unknown status: fail closed.
		return "", domain.ErrSubscriptionSuspended
	}
}

// CheckOperation applies the standing to op. Billing-management operations
// stay reachable in every status so the tenant can reactivate. Writes in a
// read-only standing fail with ErrPaymentRequired.
func CheckOperation(t *tenant.Tenant, op Operation) (access.Standing, error) {
	standing, err := CheckStanding(t)
	if op.Billing {
		if err != nil {
			return access.StandingReadOnly, nil
		}
		return standing, nil
	}
	if err != nil {
		return "", err
	}
	if standing == access.StandingReadOnly && op.Write {
		return standing, domain.ErrPaymentRequired
	}
	return standing, nil
}

// SubscriptionService owns the subscription lifecycle: the explicit
// transition operation called by billing, and the sweepers that expire grace
// periods and purge canceled tenants after retention.
type SubscriptionService struct {
	store       database.TenantStore
	dir         *Directory
	audit       *AuditService
	provisioner partition.Provisioner
	queue       messagequeue.Queue
	cfg         config.Subscription
	metrics     *otel.Metrics
	now         func() time.Time
}

// NewSubscriptionService creates a SubscriptionService. queue may be nil.
func NewSubscriptionService(
	store database.TenantStore,
	dir *Directory,
	auditor *AuditService,
	provisioner partition.Provisioner,
	queue messagequeue.Queue,
	cfg config.Subscription,
	metrics *otel.Metrics,
) *SubscriptionService {
	return &SubscriptionService{
		store:       store,
		dir:         dir,
		audit:       auditor,
		provisioner: provisioner,
		queue:       queue,
		cfg:         cfg,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Transition moves tenantID to status to. It is the only way a status
// changes. The write is compare-and-set against the status read here, is
// audited as sensitive, and the directory entry is evicted before Transition
// returns so no instance-local cache keeps serving the old status.
// Transitioning to the current status is a no-op.
func (s *SubscriptionService) Transition(ctx context.Context, actor, tenantID string, to tenant.Status) (*tenant.Tenant, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, to)
	}
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrTenantNotFound
		}
		return nil, err
	}
	if t.Status == to {
		return t, nil
	}
	from := t.Status
	if !tenant.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	now := s.now().UTC()
	change := database.StatusChange{From: from, To: to, At: now}
	switch to {
	case tenant.StatusPastDue:
		grace := now.Add(s.cfg.PastDueGrace)
		change.GraceEndsAt = &grace
	case tenant.StatusCanceled:
		change.DeletedAt = &now
	}

	entry := audit.Entry{
		TenantID:    t.ID,
		PrincipalID: actor,
		Action:      audit.ActionSubscriptionChange,
		Resource:    fmt.Sprintf("tenant/%s:%s->%s", t.ID, from, to),
	}
	err = s.audit.Guard(ctx, entry, func(ctx context.Context) error {
		return s.store.UpdateTenantStatus(ctx, t.ID, change)
	})
	if err != nil {
		return nil, err
	}

	if err := s.dir.InvalidateTenant(ctx, t); err != nil {
		slog.ErrorContext(ctx, "tenant cache eviction failed after transition", "tenant_id", t.ID, "error", err)
	}
	s.metrics.Transition(ctx, string(from), string(to))
	slog.InfoContext(ctx, "subscription transitioned", "tenant_id", t.ID, "from", from, "to", to, "actor", actor)

	t.Status = to
	t.StatusSince = now
	t.GraceEndsAt = change.GraceEndsAt
	t.DeletedAt = change.DeletedAt
	return t, nil
}

// HandleBillingEvent applies a billing.subscription message. Events that can
// never apply (unknown tenant, impossible transition) are logged and
// acknowledged so they are not redelivered forever.
func (s *SubscriptionService) HandleBillingEvent(ctx context.Context, _ string, data []byte) error {
	var ev messagequeue.BillingEventPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode billing event: %w", err)
	}
	status, err := tenant.ParseStatus(ev.Status)
	if err != nil {
		slog.WarnContext(ctx, "billing event with unknown status ignored", "event_id", ev.EventID, "status", ev.Status)
		return nil
	}
	_, err = s.Transition(ctx, ActorBilling, ev.TenantID, status)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTenantNotFound), errors.Is(err, domain.ErrInvalidTransition):
		slog.WarnContext(ctx, "billing event not applicable", "event_id", ev.EventID, "tenant_id", ev.TenantID, "error", err)
		return nil
	default:
		return err
	}
}

// Start consumes billing lifecycle events.
func (s *SubscriptionService) Start(ctx context.Context) (func(), error) {
	if s.queue == nil {
		return func() {}, nil
	}
	return s.queue.Subscribe(ctx, messagequeue.SubjectBillingSubscription, s.HandleBillingEvent)
}

// ExpireGracePeriods suspends every past_due tenant whose grace window has
// ended. It returns the number of tenants suspended.
func (s *SubscriptionService) ExpireGracePeriods(ctx context.Context) (int, error) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	now := s.now()
	var n int
	var errs []error
	for i := range tenants {
		t := &tenants[i]
		if t.Status != tenant.StatusPastDue || t.GraceEndsAt == nil || now.Before(*t.GraceEndsAt) {
			continue
		}
		if _, err := s.Transition(ctx, ActorSweeper, t.ID, tenant.StatusSuspended); err != nil {
			errs = append(errs, fmt.Errorf("suspend %s: %w", t.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// PurgeExpired hard-deletes canceled tenants whose retention has run out and
// destroys their partitions. It returns the number of tenants purged.
func (s *SubscriptionService) PurgeExpired(ctx context.Context) (int, error) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	cutoff := s.now().Add(-s.cfg.Retention)
	var n int
	var errs []error
	for i := range tenants {
		t := &tenants[i]
		if t.Status != tenant.StatusCanceled || t.DeletedAt == nil || t.DeletedAt.After(cutoff) {
			continue
		}
		if err := s.purge(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", t.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *SubscriptionService) purge(ctx context.Context, t *tenant.Tenant) error {
	entry := audit.Entry{
		TenantID:    t.ID,
		PrincipalID: ActorSweeper,
		Action:      audit.ActionTenantPurge,
		Resource:    "tenant/" + t.ID,
	}
	err := s.audit.Guard(ctx, entry, func(ctx context.Context) error {
		if err := s.provisioner.DropPartition(ctx, t.PartitionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("drop partition: %w", err)
		}
		return s.store.HardDeleteTenant(ctx, t.ID)
	})
	if err != nil {
		return err
	}
	if err := s.dir.InvalidateTenant(ctx, t); err != nil {
		slog.ErrorContext(ctx, "tenant cache eviction failed after purge", "tenant_id", t.ID, "error", err)
	}
	slog.InfoContext(ctx, "tenant purged", "tenant_id", t.ID)
	return nil
}

// Sweep runs both sweepers once.
func (s *SubscriptionService) Sweep(ctx context.Context) {
	if n, err := s.ExpireGracePeriods(ctx); err != nil {
		slog.ErrorContext(ctx, "grace sweep failed", "suspended", n, "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "grace sweep suspended tenants", "count", n)
	}
	if n, err := s.PurgeExpired(ctx); err != nil {
		slog.ErrorContext(ctx, "retention sweep failed", "purged", n, "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "retention sweep purged tenants", "count", n)
	}
}
