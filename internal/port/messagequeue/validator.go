package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectBillingSubscription:
		var p BillingEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TenantID == "" || p.Status == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("tenant_id and status are required"))
		}
	case SubjectCacheInvalidate:
		var p InvalidationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	case SubjectAuditEntries:
		var p AuditEntryPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TenantID == "" || p.Action == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("tenant_id and action are required"))
		}
	}
	return nil
}
