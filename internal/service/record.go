package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/access"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/record"
	"github.com/Strob0t/tenantgate/internal/port/partition"
)

// RecordService reads and writes tenant records through the partition
// session bound to the request. It never chooses a partition itself.
type RecordService struct {
	audit *AuditService
	now   func() time.Time
}

// NewRecordService creates a RecordService.
func NewRecordService(auditor *AuditService) *RecordService {
	return &RecordService{audit: auditor, now: time.Now}
}

func boundSession(rc access.RequestContext) (partition.Session, error) {
	if rc.Session == nil {
		return nil, domain.ErrPartitionUnavailable
	}
	return rc.Session, nil
}

// List returns the records in the request's partition.
func (s *RecordService) List(ctx context.Context, rc access.RequestContext) ([]record.Record, error) {
	sess, err := boundSession(rc)
	if err != nil {
		return nil, err
	}
	return sess.ListRecords(ctx)
}

// Get returns one record. A record in another partition is not found.
func (s *RecordService) Get(ctx context.Context, rc access.RequestContext, id string) (*record.Record, error) {
	sess, err := boundSession(rc)
	if err != nil {
		return nil, err
	}
	return sess.GetRecord(ctx, id)
}

// Create writes a new record attributed to the caller.
func (s *RecordService) Create(ctx context.Context, rc access.RequestContext, req record.CreateRequest) (*record.Record, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	sess, err := boundSession(rc)
	if err != nil {
		return nil, err
	}
	r := &record.Record{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Body:      req.Body,
		CreatedBy: rc.PrincipalID(),
		CreatedAt: s.now().UTC(),
	}
	if err := sess.CreateRecord(ctx, r); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	_ = s.audit.Record(ctx, rc.Entry(audit.ActionRecordCreate, "record/"+r.ID).WithOutcome(audit.OutcomeSuccess))
	return r, nil
}

// Delete removes a record.
func (s *RecordService) Delete(ctx context.Context, rc access.RequestContext, id string) error {
	sess, err := boundSession(rc)
	if err != nil {
		return err
	}
	if err := sess.DeleteRecord(ctx, id); err != nil {
		return err
	}
	_ = s.audit.Record(ctx, rc.Entry(audit.ActionRecordDelete, "record/"+id).WithOutcome(audit.OutcomeSuccess))
	return nil
}

// Export returns every record for download and audits the export.
func (s *RecordService) Export(ctx context.Context, rc access.RequestContext) ([]record.Record, error) {
	records, err := s.List(ctx, rc)
	if err != nil {
		return nil, err
	}
	_ = s.audit.Record(ctx, rc.Entry(audit.ActionRecordExport, fmt.Sprintf("records:%d", len(records))).WithOutcome(audit.OutcomeSuccess))
	return records, nil
}
