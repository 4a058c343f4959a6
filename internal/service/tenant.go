package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/feature"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/database"
	"github.com/Strob0t/tenantgate/internal/port/partition"
)

// TenantService provisions tenants and their partitions.
type TenantService struct {
	store       database.Store
	dir         *Directory
	audit       *AuditService
	provisioner partition.Provisioner
	now         func() time.Time
}

// NewTenantService creates a new TenantService.
func NewTenantService(store database.Store, dir *Directory, auditor *AuditService, provisioner partition.Provisioner) *TenantService {
	return &TenantService{store: store, dir: dir, audit: auditor, provisioner: provisioner, now: time.Now}
}

var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// newPartitionID returns an opaque partition identifier. It is random
// rather than derived from the org id so it reveals nothing about the tenant.
func newPartitionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("partition id: %w", err)
	}
	return "p_" + hex.EncodeToString(b[:]), nil
}

// Create validates req, allocates a partition and stores the tenant with
// req.OwnerID as its owner. A partition allocated for a tenant that could
// not be stored is dropped again.
func (s *TenantService) Create(ctx context.Context, actor string, req tenant.CreateRequest) (*tenant.Tenant, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if err := ValidateOrgID(req.OrgID); err != nil {
		return nil, err
	}
	if !slugRegex.MatchString(req.Slug) {
		return nil, fmt.Errorf("%w: invalid slug %q: must be 3-64 lowercase alphanumeric characters or hyphens", domain.ErrValidation, req.Slug)
	}
	pid, err := newPartitionID()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &tenant.Tenant{
		ID:          uuid.NewString(),
		OrgID:       req.OrgID,
		Slug:        req.Slug,
		Name:        req.Name,
		PartitionID: pid,
		Tier:        req.Tier,
		Status:      tenant.StatusActive,
		CreatedAt:   now,
		StatusSince: now,
	}
	if req.TrialEndsAt != nil {
		if !req.TrialEndsAt.After(now) {
			return nil, fmt.Errorf("%w: trial_ends_at must be in the future", domain.ErrValidation)
		}
		t.Status = tenant.StatusTrialing
		t.TrialEndsAt = req.TrialEndsAt
	}
	for _, k := range feature.ForTier(t.Tier) {
		t.Features = append(t.Features, string(k))
	}

	entry := audit.Entry{
		TenantID:    t.ID,
		PrincipalID: actor,
		Action:      audit.ActionTenantCreate,
		Resource:    "tenant/" + t.OrgID,
	}
	err = s.audit.Guard(ctx, entry, func(ctx context.Context) error {
		return s.provision(ctx, t, req.OwnerID)
	})
	if err != nil {
		return nil, err
	}
	// A failed lookup may have cached nothing, but the org key could be
	// stale on another instance that resolved it before creation.
	if err := s.dir.InvalidateTenant(ctx, t); err != nil {
		slog.ErrorContext(ctx, "tenant cache eviction failed after create", "tenant_id", t.ID, "error", err)
	}
	if err := s.dir.InvalidatePrincipal(ctx, req.OwnerID); err != nil {
		slog.ErrorContext(ctx, "membership cache eviction failed after create", "tenant_id", t.ID, "error", err)
	}

	slog.InfoContext(ctx, "tenant created", "tenant_id", t.ID, "tier", t.Tier, "status", t.Status)
	return t, nil
}

func (s *TenantService) provision(ctx context.Context, t *tenant.Tenant, ownerID string) error {
	if err := s.provisioner.CreatePartition(ctx, t.PartitionID); err != nil {
		return fmt.Errorf("create partition: %w", err)
	}
	if err := s.store.CreateTenant(ctx, t); err != nil {
		s.dropPartition(ctx, t)
		return fmt.Errorf("create tenant: %w", err)
	}
	owner := &member.Membership{
		PrincipalID: ownerID,
		TenantID:    t.ID,
		Role:        member.RoleOwner,
	}
	if err := s.store.UpsertMembership(ctx, owner); err != nil {
		if derr := s.store.HardDeleteTenant(ctx, t.ID); derr != nil {
			slog.ErrorContext(ctx, "rollback tenant failed", "tenant_id", t.ID, "error", derr)
		}
		s.dropPartition(ctx, t)
		return fmt.Errorf("create owner membership: %w", err)
	}
	return nil
}

func (s *TenantService) dropPartition(ctx context.Context, t *tenant.Tenant) {
	if err := s.provisioner.DropPartition(ctx, t.PartitionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.ErrorContext(ctx, "rollback partition failed", "tenant_id", t.ID, "error", err)
	}
}

// Get returns a tenant by ID.
func (s *TenantService) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	t, err := s.store.GetTenant(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrTenantNotFound
	}
	return t, err
}

// List returns all tenants, including canceled ones awaiting purge.
func (s *TenantService) List(ctx context.Context) ([]tenant.Tenant, error) {
	return s.store.ListTenants(ctx)
}
