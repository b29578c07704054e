package models

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// QuarantineStatus is the review state of a quarantined record
type QuarantineStatus string

const (
	QuarantineStatusPending   QuarantineStatus = "pending"
	QuarantineStatusRequeued  QuarantineStatus = "requeued"
	QuarantineStatusDiscarded QuarantineStatus = "discarded"
	QuarantineStatusResolved  QuarantineStatus = "resolved"
)

// QuarantineRecord holds a record the engine refused to apply, with enough
// diagnostic context to replay it after correction.
type QuarantineRecord struct {
	ID          string                         `json:"id" db:"id"`
	TenantID    string                         `json:"tenant_id" db:"tenant_id"`
	RawRecordID string                         `json:"raw_record_id" db:"raw_record_id"`
	EntityType  string                         `json:"entity_type" db:"entity_type"`
	NaturalKey  string                         `json:"natural_key" db:"natural_key"`
	MasterID    *string                        `json:"master_id,omitempty" db:"master_id"`
	Component   string                         `json:"component" db:"component"`
	ErrorClass  string                         `json:"error_class" db:"error_class"`
	Reason      string                         `json:"reason" db:"reason"`
	Context     database.JSONB[map[string]any] `json:"context" db:"context"`
	Status      QuarantineStatus               `json:"status" db:"status"`
	CreatedAt   time.Time                      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time                      `json:"updated_at" db:"updated_at"`
}

// QuarantineListResponse is the response for listing quarantined records
type QuarantineListResponse struct {
	Items      []QuarantineRecord `json:"items"`
	TotalCount int                `json:"total_count"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
}
