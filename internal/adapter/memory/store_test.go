package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Strob0t/tenantgate/internal/adapter/memory"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/database"
)

func seedTenant(t *testing.T, s *memory.Store, id, org string) {
	t.Helper()
	err := s.CreateTenant(context.Background(), &tenant.Tenant{
		ID: id, OrgID: org, Slug: org, Name: org, PartitionID: "p-" + id,
		Tier: tenant.TierStarter, Status: tenant.StatusActive,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
}

func TestStore_CreateTenantUniqueness(t *testing.T) {
	s := memory.NewStore()
	seedTenant(t, s, "t1", "acme")

	err := s.CreateTenant(context.Background(), &tenant.Tenant{ID: "t2", OrgID: "acme", Slug: "other", PartitionID: "p-t2"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate org: expected ErrConflict, got %v", err)
	}
	err = s.CreateTenant(context.Background(), &tenant.Tenant{ID: "t3", OrgID: "other", Slug: "other", PartitionID: "p-t1"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate partition: expected ErrConflict, got %v", err)
	}
}

func TestStore_UpdateTenantStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seedTenant(t, s, "t1", "acme")

	now := time.Now().UTC()
	grace := now.Add(time.Hour)
	err := s.UpdateTenantStatus(ctx, "t1", database.StatusChange{
		From: tenant.StatusActive, To: tenant.StatusPastDue, At: now, GraceEndsAt: &grace,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Stale From loses.
	err = s.UpdateTenantStatus(ctx, "t1", database.StatusChange{From: tenant.StatusActive, To: tenant.StatusCanceled, At: now})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := s.GetTenant(ctx, "t1")
	if got.Status != tenant.StatusPastDue || got.GraceEndsAt == nil || !got.GraceEndsAt.Equal(grace) {
		t.Fatalf("unexpected tenant after transition: %+v", got)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seedTenant(t, s, "t1", "acme")

	got, _ := s.GetTenant(ctx, "t1")
	got.Tier = tenant.TierEnterprise
	got.Features = append(got.Features, "sso")

	again, _ := s.GetTenant(ctx, "t1")
	if again.Tier != tenant.TierStarter || len(again.Features) != 0 {
		t.Fatal("mutating a returned tenant changed the stored one")
	}
}

func TestStore_MembershipsCarryOrg(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seedTenant(t, s, "t1", "acme")
	seedTenant(t, s, "t2", "globex")

	_ = s.UpsertMembership(ctx, &member.Membership{PrincipalID: "u1", TenantID: "t1", Role: member.RoleAdmin})
	_ = s.UpsertMembership(ctx, &member.Membership{PrincipalID: "u1", TenantID: "t2", Role: member.RoleViewer})

	ms, err := s.ListMemberships(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	orgs := map[string]member.Role{}
	for _, m := range ms {
		orgs[m.OrgID] = m.Role
	}
	want := map[string]member.Role{"acme": member.RoleAdmin, "globex": member.RoleViewer}
	if diff := cmp.Diff(want, orgs); diff != "" {
		t.Errorf("memberships mismatch (-want +got):\n%s", diff)
	}

	if err := s.UpsertMembership(ctx, &member.Membership{PrincipalID: "u2", TenantID: "t1", Role: "superuser"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown role, got %v", err)
	}
}

func TestStore_AppendAuditSealsChain(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	for i := range 3 {
		e := &audit.Entry{ID: string(rune('a' + i)), TenantID: "t1", Timestamp: time.Now().UTC(), Action: audit.ActionRecordCreate, Outcome: audit.OutcomeSuccess}
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.Seq != int64(i+1) || e.Hash == "" {
			t.Fatalf("entry %d not sealed: %+v", i, e)
		}
	}
	_ = s.AppendAudit(ctx, &audit.Entry{ID: "x", TenantID: "t2", Timestamp: time.Now().UTC(), Action: audit.ActionAuditRead})

	entries, _ := s.ListAudit(ctx, "t1", 0, 0)
	if rep := audit.Verify("t1", entries); !rep.Valid {
		t.Fatalf("chain invalid: %+v", rep.Break)
	}
	page, _ := s.ListAudit(ctx, "t1", 1, 1)
	if len(page) != 1 || page[0].Seq != 2 {
		t.Fatalf("paging returned %+v", page)
	}

	s.FailAudit(errors.New("disk full"))
	if err := s.AppendAudit(ctx, &audit.Entry{TenantID: "t1"}); err == nil {
		t.Fatal("expected injected failure")
	}
}

func TestStore_HardDeleteKeepsAudit(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seedTenant(t, s, "t1", "acme")
	_ = s.AppendAudit(ctx, &audit.Entry{ID: "a", TenantID: "t1", Timestamp: time.Now().UTC(), Action: audit.ActionTenantPurge})

	if err := s.HardDeleteTenant(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTenantByOrg(ctx, "acme"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	entries, _ := s.ListAudit(ctx, "t1", 0, 0)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
}

func TestStore_TokenRevocation(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	_ = s.RevokeToken(ctx, "live", time.Now().Add(time.Hour))
	_ = s.RevokeToken(ctx, "old", time.Now().Add(-time.Hour))

	if ok, _ := s.IsTokenRevoked(ctx, "live"); !ok {
		t.Fatal("expected live token revoked")
	}
	n, _ := s.PurgeExpiredTokens(ctx)
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
}
