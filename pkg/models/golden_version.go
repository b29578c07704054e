package models

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// MaxDate is the open-ended effective_end sentinel for current versions.
var MaxDate = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// GoldenVersion is one SCD Type 2 row in a master's timeline.
// Field order matches schema: id, master_id, tenant_id, version_number, ...
type GoldenVersion struct {
	ID                string                          `json:"id" db:"id"`
	MasterID          string                          `json:"master_id" db:"master_id"`
	TenantID          string                          `json:"tenant_id" db:"tenant_id"`
	VersionNumber     int                             `json:"version_number" db:"version_number"`
	Attributes        database.JSONB[map[string]any]  `json:"attributes" db:"attributes"`
	EffectiveStart    time.Time                       `json:"effective_start" db:"effective_start"`
	EffectiveEnd      time.Time                       `json:"effective_end" db:"effective_end"`
	IsCurrent         bool                            `json:"is_current" db:"is_current"`
	RecordHash        string                          `json:"record_hash" db:"record_hash"`
	DataQualityScore  int                             `json:"data_quality_score" db:"data_quality_score"`
	QualityViolations database.JSONB[[]RuleViolation] `json:"quality_violations" db:"quality_violations"`
	SourceRawRecordID string                          `json:"source_raw_record_id" db:"source_raw_record_id"`
	IngestionSequence int64                           `json:"ingestion_sequence" db:"ingestion_sequence"`
	CreatedAt         time.Time                       `json:"created_at" db:"created_at"`
}

// TransitionKind classifies the history manager's decision for one record
type TransitionKind string

const (
	TransitionFirstVersion TransitionKind = "first_version"
	TransitionNewVersion   TransitionKind = "new_version"
	TransitionNoOp         TransitionKind = "noop"
	TransitionClose        TransitionKind = "close"
	TransitionOverwrite    TransitionKind = "overwrite"
)

// Transition is the outcome of applying one normalized record to a master's
// timeline. Closed and Opened reference the affected version rows.
type Transition struct {
	Kind   TransitionKind `json:"kind"`
	Closed *GoldenVersion `json:"closed,omitempty"`
	Opened *GoldenVersion `json:"opened,omitempty"`
}
