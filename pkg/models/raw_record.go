package models

import (
	"sort"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// CDCOperation is the change type carried by a bronze event
type CDCOperation string

const (
	CDCInsert CDCOperation = "INSERT"
	CDCUpdate CDCOperation = "UPDATE"
	CDCDelete CDCOperation = "DELETE"
)

// KeyPart is one component of a composite natural key
type KeyPart struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// RawRecord is one immutable ingestion event from a bronze source.
// Field order matches schema: id, tenant_id, source_system, source_table, ...
type RawRecord struct {
	ID                  string                         `json:"id" db:"id"`
	TenantID            string                         `json:"tenant_id" db:"tenant_id"`
	SourceSystem        string                         `json:"source_system" db:"source_system"`
	SourceTable         string                         `json:"source_table" db:"source_table"`
	EntityType          string                         `json:"entity_type" db:"entity_type"`
	NaturalKey          database.JSONB[[]KeyPart]      `json:"natural_key" db:"natural_key"`
	NaturalKeyCanonical string                         `json:"natural_key_canonical" db:"natural_key_canonical"`
	Payload             database.JSONB[map[string]any] `json:"payload" db:"payload"`
	CDCOperation        CDCOperation                   `json:"cdc_operation" db:"cdc_operation"`
	IngestionSequence   int64                          `json:"ingestion_sequence" db:"ingestion_sequence"`
	IngestedAt          time.Time                      `json:"ingested_at" db:"ingested_at"`
	AsOf                time.Time                      `json:"as_of" db:"as_of"`
	CreatedAt           time.Time                      `json:"created_at" db:"created_at"`
}

// NaturalKeyString renders the composite key in a canonical, order-independent
// form so the same key always indexes to the same string.
func (r *RawRecord) NaturalKeyString() string {
	parts := make([]KeyPart, len(r.NaturalKey.Data))
	copy(parts, r.NaturalKey.Data)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Field < parts[j].Field })

	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		segments = append(segments, p.Field+"="+p.Value)
	}
	return strings.Join(segments, "|")
}

// NormalizedRecord is the typed intermediate form produced by the normalizer.
// Attributes hold coerced values keyed by column name; MatchKeys hold the
// normalized secondary identifiers used only for fuzzy resolution.
type NormalizedRecord struct {
	RawRecordID       string
	TenantID          string
	SourceSystem      string
	EntityType        string
	NaturalKey        string
	Attributes        map[string]any
	MatchKeys         map[string]string
	RecordHash        string
	CDCOperation      CDCOperation
	AsOf              time.Time
	IngestionSequence int64
	Violations        []ValidationError
}

// Unparseable marks a field whose declared type coercion failed. The value is
// preserved for diagnostics instead of being dropped.
type Unparseable struct {
	Raw string `json:"__unparseable__"`
}

// IsUnparseable reports whether a normalized attribute is the coercion-failure marker.
func IsUnparseable(v any) bool {
	_, ok := v.(Unparseable)
	return ok
}
