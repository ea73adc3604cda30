// Package audit publishes one AuditRecord per full analysis, off the request path.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"vehiclecheck/internal/domain"
)

var ErrQueueFull = errors.New("audit queue full")

// Sink persists or forwards records. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec domain.AuditRecord) error
}

// NewRecord snapshots a finished analysis.
func NewRecord(input domain.VehicleIdentifier, a domain.ConsolidatedAnalysis, costCents int64, traceID string, now time.Time) domain.AuditRecord {
	status := make(map[domain.SupplierName]domain.SupplierStatus, len(a.SupplierStatus))
	for k, v := range a.SupplierStatus {
		status[k] = v
	}
	return domain.AuditRecord{
		ID:                 uuid.NewString(),
		Timestamp:          now.UTC(),
		InputType:          input.Type,
		InputValue:         input.Raw,
		CanonicalVIN:       a.VIN,
		SupplierStatus:     status,
		HasConstraints:     a.Constraints.Any(),
		EstimatedCostCents: costCents,
		TraceID:            traceID,
	}
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Write(ctx context.Context, rec domain.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
