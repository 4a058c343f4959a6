package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/access"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
)

func TestValidateOrgID(t *testing.T) {
	valid := []string{"acme", "Acme-Corp", "org_123", "a", strings.Repeat("a", 64), "selective", "updates-team"}
	for _, id := range valid {
		if err := ValidateOrgID(id); err != nil {
			t.Errorf("ValidateOrgID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		"acme' OR '1'='1",
		"acme; DROP TABLE tenants",
		"-acme",
		"_acme",
		"acme corp",
		"acme\x00",
		"acme\n",
		"../acme",
		"acme/other",
		"acme\"",
		"ácme",
		strings.Repeat("a", 65),
		"drop_tenants",
		"org-UNION-all",
		"x-select",
	}
	for _, id := range invalid {
		if err := ValidateOrgID(id); !errors.Is(err, domain.ErrInvalidOrgIdentifier) {
			t.Errorf("ValidateOrgID(%q) = %v, want ErrInvalidOrgIdentifier", id, err)
		}
	}
}

func TestMembershipGuard_InjectionNeverReachesStore(t *testing.T) {
	h := newHarness(t, 1)
	h.createTenant(t, "acme", tenant.TierStarter, "alice")
	h.store.lookups.Store(0)

	p := &member.Principal{ID: "alice"}
	for _, org := range []string{"acme' OR 1=1 --", "acme;DELETE", "acme\u0000", "' UNION SELECT *"} {
		_, _, err := h.guard.Resolve(context.Background(), p, org)
		if !errors.Is(err, domain.ErrInvalidOrgIdentifier) {
			t.Errorf("Resolve(%q) err = %v, want ErrInvalidOrgIdentifier", org, err)
		}
	}
	if n := h.store.lookups.Load(); n != 0 {
		t.Errorf("store saw %d lookups for rejected ids, want 0", n)
	}
}

func TestMembershipGuard_Resolve(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	acme := h.createTenant(t, "acme", tenant.TierStarter, "alice")
	h.createTenant(t, "globex", tenant.TierStarter, "bob")

	alice := &member.Principal{ID: "alice", ClaimedOrg: "acme"}

	m, tn, err := h.guard.Resolve(ctx, alice, "acme")
	if err != nil {
		t.Fatalf("resolve own org: %v", err)
	}
	if tn.ID != acme.ID || m.Role != member.RoleOwner {
		t.Errorf("got tenant %s role %s, want %s owner", tn.ID, m.Role, acme.ID)
	}

	// Empty header falls back to the token's claim.
	if _, tn, err := h.guard.Resolve(ctx, alice, ""); err != nil || tn.ID != acme.ID {
		t.Errorf("fallback to claimed org: tenant=%v err=%v", tn, err)
	}

	if _, _, err := h.guard.Resolve(ctx, alice, "globex"); !errors.Is(err, domain.ErrNotMember) {
		t.Errorf("foreign org: err = %v, want ErrNotMember", err)
	}
	if _, _, err := h.guard.Resolve(ctx, alice, "initech"); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("unknown org: err = %v, want ErrTenantNotFound", err)
	}
	if _, _, err := h.guard.Resolve(ctx, nil, "acme"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("nil principal: err = %v, want ErrUnauthenticated", err)
	}
}

func TestMembershipGuard_SeesRoleChangeAfterSync(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	acme := h.createTenant(t, "acme", tenant.TierStarter, "alice")
	h.addMember(t, acme, "carol", member.RoleMember)

	carol := &member.Principal{ID: "carol"}
	if _, _, err := h.guard.Resolve(ctx, carol, "acme"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.addMember(t, acme, "carol", member.RoleViewer)
	m, _, err := h.guard.Resolve(ctx, carol, "acme")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.Role != member.RoleViewer {
		t.Errorf("role = %s, want viewer right after sync", m.Role)
	}
}

func TestCanChangeRole(t *testing.T) {
	tests := []struct {
		actor, current, next member.Role
		ok                   bool
	}{
		{member.RoleOwner, member.RoleAdmin, member.RoleOwner, true},
		{member.RoleOwner, member.RoleViewer, member.RoleAdmin, true},
		{member.RoleAdmin, member.RoleViewer, member.RoleMember, true},
		{member.RoleAdmin, member.RoleMember, member.RoleViewer, true},
		{member.RoleAdmin, member.RoleMember, member.RoleAdmin, false},
		{member.RoleAdmin, member.RoleMember, member.RoleOwner, false},
		{member.RoleAdmin, member.RoleAdmin, member.RoleViewer, false},
		{member.RoleAdmin, member.RoleOwner, member.RoleViewer, false},
		{member.RoleMember, member.RoleViewer, member.RoleMember, false},
		{member.RoleViewer, member.RoleViewer, member.RoleViewer, false},
	}
	for _, tt := range tests {
		err := CanChangeRole(tt.actor, tt.current, tt.next)
		if (err == nil) != tt.ok {
			t.Errorf("CanChangeRole(%s, %s, %s) = %v, want ok=%v", tt.actor, tt.current, tt.next, err, tt.ok)
		}
	}
	if err := CanChangeRole(member.RoleOwner, member.RoleViewer, member.Role("root")); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown role: err = %v, want ErrValidation", err)
	}
}

func requestFor(h *harness, t *testing.T, principal, org string) access.RequestContext {
	t.Helper()
	p := &member.Principal{ID: principal}
	m, tn, err := h.guard.Resolve(context.Background(), p, org)
	if err != nil {
		t.Fatalf("resolve %s in %s: %v", principal, org, err)
	}
	return access.RequestContext{ClientIP: "203.0.113.7"}.WithPrincipal(p).WithMembership(m, tn)
}

func TestChangeRole_NoSelfEscalation(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	acme := h.createTenant(t, "acme", tenant.TierStarter, "alice")
	h.addMember(t, acme, "dave", member.RoleAdmin)

	rc := requestFor(h, t, "dave", "acme")
	_, err := h.members.ChangeRole(ctx, rc, "dave", member.RoleChangeRequest{Role: member.RoleOwner})
	if !errors.Is(err, domain.ErrInsufficientPermissions) {
		t.Fatalf("self change: err = %v, want ErrInsufficientPermissions", err)
	}
	m, _ := h.store.GetMembership(ctx, acme.ID, "dave")
	if m.Role != member.RoleAdmin {
		t.Errorf("role = %s, want admin unchanged", m.Role)
	}
}

func TestChangeRole_AdminCannotPromoteToAdmin(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	acme := h.createTenant(t, "acme", tenant.TierStarter, "alice")
	h.addMember(t, acme, "dave", member.RoleAdmin)
	h.addMember(t, acme, "erin", member.RoleMember)

	rc := requestFor(h, t, "dave", "acme")
	if _, err := h.members.ChangeRole(ctx, rc, "erin", member.RoleChangeRequest{Role: member.RoleAdmin}); !errors.Is(err, domain.ErrInsufficientPermissions) {
		t.Fatalf("err = %v, want ErrInsufficientPermissions", err)
	}

	entries, _ := h.audit.List(ctx, acme.ID, 0, 100)
	last := entries[len(entries)-1]
	if last.Action != audit.ActionRoleChange || last.Outcome != audit.OutcomeDenied || last.PrincipalID != "dave" {
		t.Errorf("last audit entry = %+v, want denied role change by dave", last)
	}
}

func TestChangeRole_OwnerPromotes(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	acme := h.createTenant(t, "acme", tenant.TierStarter, "alice")
	h.addMember(t, acme, "erin", member.RoleMember)

	// Warm erin's cached membership list.
	requestFor(h, t, "erin", "acme")

	rc := requestFor(h, t, "alice", "acme")
	m, err := h.members.ChangeRole(ctx, rc, "erin", member.RoleChangeRequest{Role: member.RoleAdmin})
	if err != nil {
		t.Fatalf("change role: %v", err)
	}
	if m.Role != member.RoleAdmin {
		t.Errorf("returned role = %s, want admin", m.Role)
	}
	if got := requestFor(h, t, "erin", "acme").Membership.Role; got != member.RoleAdmin {
		t.Errorf("resolved role = %s, want admin immediately", got)
	}

	entries, _ := h.audit.List(ctx, acme.ID, 0, 100)
	var found bool
	for _, e := range entries {
		if e.Action == audit.ActionRoleChange && e.PrincipalID == "alice" && e.Outcome == audit.OutcomeSuccess {
			found = true
			if e.CallerIP != "203.0.113.7" || !strings.Contains(e.Resource, "member->admin") {
				t.Errorf("entry = %+v", e)
			}
		}
	}
	if !found {
		t.Error("no successful role change entry recorded")
	}
}

func TestChangeRole_StaleCachedRoleDoesNotAuthorize(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	acme := h.createTenant(t, "acme", tenant.TierStarter, "alice")
	h.addMember(t, acme, "dave", member.RoleAdmin)
	h.addMember(t, acme, "erin", member.RoleViewer)

	rc := requestFor(h, t, "dave", "acme")
	// Demoted after the request resolved its membership.
	if err := h.store.UpdateRole(ctx, acme.ID, "dave", member.RoleMember); err != nil {
		t.Fatal(err)
	}
	if _, err := h.members.ChangeRole(ctx, rc, "erin", member.RoleChangeRequest{Role: member.RoleMember}); !errors.Is(err, domain.ErrInsufficientPermissions) {
		t.Fatalf("err = %v, want ErrInsufficientPermissions", err)
	}
}

func TestUpdateProfile_IgnoresRole(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	acme := h.createTenant(t, "acme", tenant.TierStarter, "alice")
	h.addMember(t, acme, "erin", member.RoleViewer)

	rc := requestFor(h, t, "erin", "acme")
	m, err := h.members.UpdateProfile(ctx, rc, member.ProfileUpdate{DisplayName: "Erin E."})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if m.DisplayName != "Erin E." || m.Role != member.RoleViewer {
		t.Errorf("got %+v, want display name set and role viewer", m)
	}
	if _, err := h.members.UpdateProfile(ctx, rc, member.ProfileUpdate{}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty name: err = %v, want ErrValidation", err)
	}
}
