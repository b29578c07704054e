package models

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// ColumnType is the declared type of a descriptor column
type ColumnType string

const (
	ColumnTypeString    ColumnType = "STRING"
	ColumnTypeDate      ColumnType = "DATE"
	ColumnTypeTimestamp ColumnType = "TIMESTAMP"
	ColumnTypeDecimal   ColumnType = "DECIMAL"
	ColumnTypeInteger   ColumnType = "INTEGER"
	ColumnTypeBoolean   ColumnType = "BOOLEAN"
	ColumnTypeJSON      ColumnType = "JSON"
)

// SCDType selects the history strategy for a table
type SCDType int

const (
	SCDType1 SCDType = 1
	SCDType2 SCDType = 2
)

// ColumnDefinition declares one conformed column
type ColumnDefinition struct {
	Name            string     `json:"name"`
	Type            ColumnType `json:"type"`
	Required        bool       `json:"required"`
	Weight          float64    `json:"weight,omitempty"`
	ExcludeFromHash bool       `json:"exclude_from_hash,omitempty"`
}

// MatchKeyDefinition declares one secondary identifier used for fuzzy
// resolution. Normalizers are applied in order; Points is the confidence
// contribution when the normalized value matches an indexed master.
type MatchKeyDefinition struct {
	Field       string   `json:"field"`
	Normalizers []string `json:"normalizers"`
	Points      int      `json:"points"`
}

// QualityRule is one validity check evaluated against the normalized
// attribute map. Expression is a JMESPath expression; a falsy result records
// a violation.
type QualityRule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
}

// TableDescriptor parameterizes the engine for one silver table: which
// columns to conform, which fields form the natural key, which secondary
// identifiers support fuzzy matching, and which quality rules to score.
type TableDescriptor struct {
	ID               string                               `json:"id" db:"id"`
	TenantID         string                               `json:"tenant_id" db:"tenant_id"`
	EntityType       string                               `json:"entity_type" db:"entity_type"`
	SourceSystem     string                               `json:"source_system" db:"source_system"`
	SourceTable      string                               `json:"source_table" db:"source_table"`
	Columns          database.JSONB[[]ColumnDefinition]   `json:"columns" db:"columns"`
	NaturalKeyFields database.JSONB[[]string]             `json:"natural_key_fields" db:"natural_key_fields"`
	MatchKeys        database.JSONB[[]MatchKeyDefinition] `json:"match_keys" db:"match_keys"`
	QualityRules     database.JSONB[[]QualityRule]        `json:"quality_rules" db:"quality_rules"`
	SCDType          SCDType                              `json:"scd_type" db:"scd_type"`
	MatchThreshold   int                                  `json:"match_threshold" db:"match_threshold"`
	CreatedAt        time.Time                            `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time                            `json:"updated_at" db:"updated_at"`
	DeletedAt        *time.Time                           `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Column returns the definition for name, or nil.
func (d *TableDescriptor) Column(name string) *ColumnDefinition {
	for i := range d.Columns.Data {
		if d.Columns.Data[i].Name == name {
			return &d.Columns.Data[i]
		}
	}
	return nil
}

// CreateTableDescriptorRequest is the request for creating a table descriptor
type CreateTableDescriptorRequest struct {
	EntityType       string               `json:"entity_type" validate:"required"`
	SourceSystem     string               `json:"source_system" validate:"required"`
	SourceTable      string               `json:"source_table" validate:"required"`
	Columns          []ColumnDefinition   `json:"columns" validate:"required,min=1"`
	NaturalKeyFields []string             `json:"natural_key_fields" validate:"required,min=1"`
	MatchKeys        []MatchKeyDefinition `json:"match_keys,omitempty"`
	QualityRules     []QualityRule        `json:"quality_rules,omitempty"`
	SCDType          SCDType              `json:"scd_type,omitempty"`
	MatchThreshold   int                  `json:"match_threshold,omitempty"`
}

// TableDescriptorListResponse is the response for listing table descriptors
type TableDescriptorListResponse struct {
	Items      []TableDescriptor `json:"items"`
	TotalCount int               `json:"total_count"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
}
