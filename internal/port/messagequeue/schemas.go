package messagequeue

import "time"

// BillingEventPayload is the schema for billing.subscription messages.
type BillingEventPayload struct {
	EventID  string `json:"event_id"`
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
}

// InvalidationPayload is the schema for cache.invalidate messages.
type InvalidationPayload struct {
	Keys   []string `json:"keys"`
	Origin string   `json:"origin"`
}

// AuditEntryPayload is the schema for audit.entries messages. Hash fields are
// absent: the entry is sealed when it is appended to the chain.
type AuditEntryPayload struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Timestamp   time.Time `json:"timestamp"`
	PrincipalID string    `json:"principal_id"`
	Action      string    `json:"action"`
	Resource    string    `json:"resource"`
	Outcome     string    `json:"outcome"`
	CallerIP    string    `json:"caller_ip"`
}
