package models

import (
	"time"
)

// MasterStatus is the lifecycle state of a master entity
type MasterStatus string

const (
	MasterStatusActive  MasterStatus = "active"
	MasterStatusRetired MasterStatus = "retired"
	MasterStatusMerged  MasterStatus = "merged"
)

// MasterEntity is the deduplicated real-world thing a set of raw records
// resolves to. Masters are never deleted, only retired or merged.
type MasterEntity struct {
	ID             string       `json:"id" db:"id"`
	TenantID       string       `json:"tenant_id" db:"tenant_id"`
	EntityType     string       `json:"entity_type" db:"entity_type"`
	Status         MasterStatus `json:"status" db:"status"`
	MergedIntoID   *string      `json:"merged_into_id,omitempty" db:"merged_into_id"`
	FirstSeenAt    time.Time    `json:"first_seen_at" db:"first_seen_at"`
	LastResolvedAt time.Time    `json:"last_resolved_at" db:"last_resolved_at"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// NaturalKeyEntry maps one composite natural key onto a master. The unique
// index on (tenant_id, entity_type, natural_key) is what makes reserve-if-absent
// allocation atomic.
type NaturalKeyEntry struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	EntityType   string    `json:"entity_type" db:"entity_type"`
	NaturalKey   string    `json:"natural_key" db:"natural_key"`
	MasterID     string    `json:"master_id" db:"master_id"`
	SourceSystem string    `json:"source_system" db:"source_system"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// MatchKeyEntry is one normalized secondary identifier (email, phone digits)
// indexed for fuzzy resolution against masters of the same entity type.
type MatchKeyEntry struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	KeyName    string    `json:"key_name" db:"key_name"`
	KeyValue   string    `json:"key_value" db:"key_value"`
	MasterID   string    `json:"master_id" db:"master_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// MatchBasis describes how a record was resolved to its master
type MatchBasis string

const (
	MatchBasisExact MatchBasis = "exact"
	MatchBasisFuzzy MatchBasis = "fuzzy"
	MatchBasisNew   MatchBasis = "new"
)

// Resolution is the identity resolver's verdict for one normalized record.
type Resolution struct {
	MasterID   string     `json:"master_id"`
	Basis      MatchBasis `json:"basis"`
	Confidence int        `json:"confidence"`
	NewMaster  bool       `json:"new_master"`
}
