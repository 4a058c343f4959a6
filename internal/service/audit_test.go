package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/tenantgate/internal/adapter/memory"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/port/messagequeue"
	"github.com/Strob0t/tenantgate/internal/resilience"
)

func newTestAudit() (*AuditService, *memory.Store, *memory.Queue) {
	store := memory.NewStore()
	queue := memory.NewQueue()
	return NewAuditService(store, queue, resilience.NewBreaker(5, time.Minute), nil), store, queue
}

func TestAuditRecord_ChainsEntries(t *testing.T) {
	svc, _, _ := newTestAudit()
	ctx := context.Background()

	for _, a := range []audit.Action{audit.ActionRecordCreate, audit.ActionRoleChange, audit.ActionRecordDelete} {
		if err := svc.Record(ctx, audit.Entry{TenantID: "t1", PrincipalID: "p1", Action: a, Outcome: audit.OutcomeSuccess}); err != nil {
			t.Fatalf("record %s: %v", a, err)
		}
	}
	entries, err := svc.List(ctx, "t1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("entry %d missing id or timestamp", i)
		}
	}
	if entries[1].PrevHash != entries[0].Hash {
		t.Error("entry 2 does not link to entry 1")
	}

	rep, err := svc.Verify(ctx, "t1")
	if err != nil || !rep.Valid || rep.Entries != 3 {
		t.Errorf("verify = %+v, %v", rep, err)
	}
}

func TestAuditRecord_NonSensitiveFailureIsSwallowed(t *testing.T) {
	svc, store, queue := newTestAudit()
	store.FailAudit(errors.New("disk full"))

	err := svc.Record(context.Background(), audit.Entry{TenantID: "t1", Action: audit.ActionRecordCreate, Outcome: audit.OutcomeSuccess})
	if err != nil {
		t.Fatalf("err = %v, want nil for non-sensitive action", err)
	}
	if queue.Pending() != 0 {
		t.Errorf("non-sensitive entry was queued")
	}
}

func TestAuditRecord_SensitiveFallsBackToQueue(t *testing.T) {
	svc, store, queue := newTestAudit()
	ctx := context.Background()
	store.FailAudit(errors.New("disk full"))

	e := audit.Entry{TenantID: "t1", PrincipalID: "p1", Action: audit.ActionRoleChange, Outcome: audit.OutcomeSuccess}
	if err := svc.Record(ctx, e); err != nil {
		t.Fatalf("err = %v, want nil while queue accepts", err)
	}
	if queue.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", queue.Pending())
	}

	store.FailAudit(nil)
	cancel, err := svc.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer cancel()
	if left := queue.Redeliver(ctx); left != 0 {
		t.Fatalf("pending after redeliver = %d, want 0", left)
	}

	entries, _ := svc.List(ctx, "t1", 0, 0)
	if len(entries) != 1 || entries[0].Action != audit.ActionRoleChange {
		t.Fatalf("entries = %+v, want the queued role change", entries)
	}
	if rep, _ := svc.Verify(ctx, "t1"); !rep.Valid {
		t.Errorf("chain invalid after queued append: %+v", rep.Break)
	}
}

func TestAuditRecord_SensitiveFailsWhenNothingAccepts(t *testing.T) {
	svc, store, queue := newTestAudit()
	store.FailAudit(errors.New("disk full"))
	queue.FailPublish(errors.New("broker down"))

	err := svc.Record(context.Background(), audit.Entry{TenantID: "t1", Action: audit.ActionFeatureGrant})
	if !errors.Is(err, domain.ErrAuditUnavailable) {
		t.Fatalf("err = %v, want ErrAuditUnavailable", err)
	}
}

func TestAuditGuard(t *testing.T) {
	svc, store, queue := newTestAudit()
	ctx := context.Background()
	e := audit.Entry{TenantID: "t1", PrincipalID: "p1", Action: audit.ActionFeatureGrant, Resource: "feature/sso"}

	ran := false
	if err := svc.Guard(ctx, e, func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("guard: %v", err)
	}
	if !ran {
		t.Fatal("op did not run")
	}

	boom := errors.New("write failed")
	if err := svc.Guard(ctx, e, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want op error", err)
	}

	entries, _ := svc.List(ctx, "t1", 0, 0)
	var outcomes []audit.Outcome
	for _, x := range entries {
		outcomes = append(outcomes, x.Outcome)
	}
	want := []audit.Outcome{audit.OutcomeAttempted, audit.OutcomeSuccess, audit.OutcomeAttempted, audit.OutcomeFailure}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("outcome %d = %s, want %s", i, outcomes[i], want[i])
		}
	}

	// With no durable record the action must not run.
	store.FailAudit(errors.New("disk full"))
	queue.FailPublish(errors.New("broker down"))
	ran = false
	err := svc.Guard(ctx, e, func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, domain.ErrAuditUnavailable) {
		t.Fatalf("err = %v, want ErrAuditUnavailable", err)
	}
	if ran {
		t.Error("op ran without an audit record")
	}
}

func TestAuditVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func([]audit.Entry) []audit.Entry
		reason string
	}{
		{
			name: "edited resource",
			tamper: func(es []audit.Entry) []audit.Entry {
				es[1].Resource = "member/mallory:viewer->owner"
				return es
			},
			reason: "hash mismatch",
		},
		{
			name: "removed entry",
			tamper: func(es []audit.Entry) []audit.Entry {
				return append(es[:1], es[2:]...)
			},
			reason: "sequence gap",
		},
		{
			name: "rehashed edit",
			tamper: func(es []audit.Entry) []audit.Entry {
				es[1].PrincipalID = "mallory"
				es[1].Hash = audit.ComputeHash(&es[1])
				return es
			},
			reason: "broken link to previous entry",
		},
		{
			name: "removed newest entry",
			tamper: func(es []audit.Entry) []audit.Entry {
				return es[:2]
			},
			reason: "chain truncated",
		},
		{
			name: "emptied log",
			tamper: func([]audit.Entry) []audit.Entry {
				return nil
			},
			reason: "chain truncated",
		},
		{
			name: "rehashed newest entry",
			tamper: func(es []audit.Entry) []audit.Entry {
				es[2].Outcome = audit.OutcomeDenied
				es[2].Hash = audit.ComputeHash(&es[2])
				return es
			},
			reason: "last entry does not match chain head",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestAudit()
			ctx := context.Background()
			for range 3 {
				if err := svc.Record(ctx, audit.Entry{TenantID: "t1", PrincipalID: "p1", Action: audit.ActionRoleChange, Outcome: audit.OutcomeSuccess}); err != nil {
					t.Fatal(err)
				}
			}
			store.RewriteAudit("t1", tt.tamper)

			rep, err := svc.Verify(ctx, "t1")
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if rep.Valid || rep.Break == nil {
				t.Fatal("tampering not detected")
			}
			if rep.Break.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", rep.Break.Reason, tt.reason)
			}
		})
	}
}

func TestAuditHandleQueued_Idempotent(t *testing.T) {
	svc, _, _ := newTestAudit()
	ctx := context.Background()
	data, _ := json.Marshal(messagequeue.AuditEntryPayload{
		ID:          "0b7f1f8e-0000-4000-8000-000000000001",
		TenantID:    "t1",
		Timestamp:   time.Now(),
		PrincipalID: "p1",
		Action:      string(audit.ActionTenantCreate),
		Outcome:     string(audit.OutcomeAttempted),
	})
	for range 2 {
		if err := svc.HandleQueued(ctx, messagequeue.SubjectAuditEntries, data); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	entries, _ := svc.List(ctx, "t1", 0, 0)
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1 after redelivery", len(entries))
	}
}

func TestVerifyAgainstHead_IgnoresEntriesAppendedAfterHeadRead(t *testing.T) {
	svc, store, _ := newTestAudit()
	ctx := context.Background()
	for range 2 {
		if err := svc.Record(ctx, audit.Entry{TenantID: "t1", PrincipalID: "p1", Action: audit.ActionRoleChange, Outcome: audit.OutcomeSuccess}); err != nil {
			t.Fatal(err)
		}
	}
	head, err := store.AuditHead(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Record(ctx, audit.Entry{TenantID: "t1", PrincipalID: "p1", Action: audit.ActionRoleChange, Outcome: audit.OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}
	entries, err := store.ListAudit(ctx, "t1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	rep := audit.VerifyAgainstHead("t1", entries, head)
	if !rep.Valid || rep.Entries != 2 {
		t.Errorf("report = %+v, want valid over 2 entries", rep)
	}
}
