package models

import "time"

// DuplicateLink records a natural key judged to be an alias of an existing
// master. Links are corrected only by explicit merge/split operator actions,
// never silently overwritten.
type DuplicateLink struct {
	ID          string     `json:"id" db:"id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	EntityType  string     `json:"entity_type" db:"entity_type"`
	NaturalKey  string     `json:"natural_key" db:"natural_key"`
	MasterID    string     `json:"master_id" db:"master_id"`
	RawRecordID string     `json:"raw_record_id" db:"raw_record_id"`
	MatchBasis  MatchBasis `json:"match_basis" db:"match_basis"`
	Confidence  int        `json:"confidence" db:"confidence"`
	Reviewed    bool       `json:"reviewed" db:"reviewed"`
	ReviewedBy  *string    `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
