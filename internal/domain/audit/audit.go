// Package audit defines the append-only, hash-chained audit log.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Action names an audited operation.
type Action string

const (
	ActionTenantCreate       Action = "tenant.create"
	ActionTenantDelete       Action = "tenant.delete"
	ActionTenantPurge        Action = "tenant.purge"
	ActionRoleChange         Action = "member.role_change"
	ActionProfileUpdate      Action = "member.profile_update"
	ActionSubscriptionChange Action = "subscription.transition"
	ActionFeatureGrant       Action = "feature.grant"
	ActionFeatureRevoke      Action = "feature.revoke"
	ActionCredentialRotate   Action = "credential.rotate"
	ActionSessionRevoke      Action = "session.revoke"
	ActionRecordCreate       Action = "record.create"
	ActionRecordDelete       Action = "record.delete"
	ActionRecordExport       Action = "record.export"
	ActionAccessDenied       Action = "access.denied"
	ActionAuditRead          Action = "audit.read"
)

var sensitive = map[Action]bool{
	ActionTenantCreate:       true,
	ActionTenantDelete:       true,
	ActionTenantPurge:        true,
	ActionRoleChange:         true,
	ActionSubscriptionChange: true,
	ActionFeatureGrant:       true,
	ActionFeatureRevoke:      true,
	ActionCredentialRotate:   true,
	ActionSessionRevoke:      true,
}

// Sensitive reports whether a must be durably recorded before the caller
// gets a response. Failing to record a sensitive action fails the action.
func (a Action) Sensitive() bool {
	return sensitive[a]
}

// Outcome is the result recorded for an action.
type Outcome string

const (
	OutcomeAttempted Outcome = "attempted"
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeDenied    Outcome = "denied"
)

// Entry is one immutable audit record. Seq is the per-tenant position in the
// chain starting at 1; PrevHash is the Hash of entry Seq-1 (empty for Seq 1).
type Entry struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	PrincipalID string    `json:"principal_id"`
	Action      Action    `json:"action"`
	Resource    string    `json:"resource,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	CallerIP    string    `json:"caller_ip,omitempty"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// WithOutcome returns a copy of e with Outcome set to o.
func (e Entry) WithOutcome(o Outcome) Entry {
	e.Outcome = o
	return e
}

// ComputeHash returns the chain hash of e over its content and PrevHash.
// Hash itself is excluded.
func ComputeHash(e *Entry) string {
	var b strings.Builder
	for _, part := range []string{
		e.PrevHash,
		strconv.FormatInt(e.Seq, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.TenantID,
		e.PrincipalID,
		string(e.Action),
		e.Resource,
		string(e.Outcome),
		e.CallerIP,
	} {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Seal links e to the chain head (prevSeq, prevHash) and fills Seq and Hash.
func Seal(e *Entry, prevSeq int64, prevHash string) {
	e.Seq = prevSeq + 1
	e.PrevHash = prevHash
	e.Hash = ComputeHash(e)
}

// Break describes the first inconsistency found in a chain.
type Break struct {
	Seq    int64  `json:"seq"`
	Reason string `json:"reason"`
}

// Report is the result of verifying one tenant's chain.
type Report struct {
	TenantID string `json:"tenant_id"`
	Entries  int    `json:"entries"`
	Valid    bool   `json:"valid"`
	Break    *Break `json:"break,omitempty"`
}

// Verify recomputes the chain for entries ordered by Seq. It detects edited
// entries (hash mismatch), removed or reordered entries (sequence gaps or
// broken links) and entries from another tenant.
func Verify(tenantID string, entries []Entry) Report {
	rep := Report{TenantID: tenantID, Entries: len(entries), Valid: true}
	var prevHash string
	for i := range entries {
		e := &entries[i]
		want := int64(i + 1)
		switch {
		case e.TenantID != tenantID:
			rep.Break = &Break{Seq: e.Seq, Reason: "entry belongs to another tenant"}
		case e.Seq != want:
			rep.Break = &Break{Seq: want, Reason: "sequence gap"}
		case e.PrevHash != prevHash:
			rep.Break = &Break{Seq: e.Seq, Reason: "broken link to previous entry"}
		case ComputeHash(e) != e.Hash:
			rep.Break = &Break{Seq: e.Seq, Reason: "hash mismatch"}
		}
		if rep.Break != nil {
			rep.Valid = false
			return rep
		}
		prevHash = e.Hash
	}
	return rep
}

// Head is the stored tip of a tenant's chain, moved on every append. The zero
// Head means nothing was ever appended.
type Head struct {
	Seq  int64
	Hash string
}

// VerifyAgainstHead runs Verify and then checks that the chain ends at head,
// which catches entries removed from the end. Entries past head.Seq were
// appended after head was read and are ignored.
func VerifyAgainstHead(tenantID string, entries []Entry, head Head) Report {
	n := len(entries)
	for n > 0 && entries[n-1].Seq > head.Seq {
		n--
	}
	rep := Verify(tenantID, entries[:n])
	if !rep.Valid {
		return rep
	}
	var last Head
	if n > 0 {
		last = Head{Seq: entries[n-1].Seq, Hash: entries[n-1].Hash}
	}
	switch {
	case last.Seq < head.Seq:
		rep.Break = &Break{Seq: last.Seq + 1, Reason: "chain truncated"}
	case last.Hash != head.Hash:
		rep.Break = &Break{Seq: last.Seq, Reason: "last entry does not match chain head"}
	}
	if rep.Break != nil {
		rep.Valid = false
	}
	return rep
}
