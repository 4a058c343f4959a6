package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/access"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/record"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/partition"
)

func TestRecordService_ReadsAndWritesOwnPartitionOnly(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	acme := h.createTenant(t, "acme", tenant.TierStarter, "alice")
	globex := h.createTenant(t, "globex", tenant.TierStarter, "gina")
	records := NewRecordService(h.audit)

	var created *record.Record
	err := h.router.Run(ctx, acme, func(ctx context.Context, s partition.Session) error {
		rc := access.RequestContext{
			Principal: &member.Principal{ID: "alice"},
			Tenant:    acme,
			Session:   s,
		}
		var err error
		created, err = records.Create(ctx, rc, record.CreateRequest{Title: "q3 plan"})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if created.CreatedBy != "alice" {
		t.Errorf("created_by = %q", created.CreatedBy)
	}

	err = h.router.Run(ctx, globex, func(ctx context.Context, s partition.Session) error {
		rc := access.RequestContext{Principal: &member.Principal{ID: "gina"}, Tenant: globex, Session: s}
		list, err := records.List(ctx, rc)
		if err != nil {
			return err
		}
		if len(list) != 0 {
			t.Errorf("globex sees %d acme records", len(list))
		}
		if _, err := records.Get(ctx, rc, created.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("cross-partition get: got %v, want ErrNotFound", err)
		}
		if err := records.Delete(ctx, rc, created.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("cross-partition delete: got %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := h.audit.List(ctx, acme.ID, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.Action != audit.ActionRecordCreate || last.PrincipalID != "alice" {
		t.Errorf("last audit entry = %+v", last)
	}
}

func TestRecordService_RequiresBoundSession(t *testing.T) {
	records := NewRecordService(newHarness(t, 1).audit)
	_, err := records.List(context.Background(), access.RequestContext{})
	if !errors.Is(err, domain.ErrPartitionUnavailable) {
		t.Errorf("got %v, want ErrPartitionUnavailable", err)
	}
}

func TestRecordService_CreateValidates(t *testing.T) {
	h := newHarness(t, 1)
	acme := h.createTenant(t, "acme", tenant.TierStarter, "alice")
	records := NewRecordService(h.audit)
	err := h.router.Run(context.Background(), acme, func(ctx context.Context, s partition.Session) error {
		_, err := records.Create(ctx, access.RequestContext{Tenant: acme, Session: s}, record.CreateRequest{})
		return err
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}
