package models

import "time"

// BatchResult is the report a batch run always produces, even when records
// were quarantined along the way.
type BatchResult struct {
	BatchID     string        `json:"batch_id"`
	Applied     int           `json:"applied"`
	Quarantined int           `json:"quarantined"`
	NoOps       int           `json:"noops"`
	Duration    time.Duration `json:"duration"`
}

// IngestRecordRequest is one raw record in a batch ingest payload
type IngestRecordRequest struct {
	SourceSystem      string         `json:"source_system" validate:"required"`
	SourceTable       string         `json:"source_table" validate:"required"`
	EntityType        string         `json:"entity_type" validate:"required"`
	NaturalKey        []KeyPart      `json:"natural_key" validate:"required,min=1"`
	Payload           map[string]any `json:"payload" validate:"required"`
	CDCOperation      CDCOperation   `json:"cdc_operation" validate:"required,oneof=INSERT UPDATE DELETE"`
	IngestionSequence int64          `json:"ingestion_sequence" validate:"required"`
	AsOf              time.Time      `json:"as_of" validate:"required"`
}

// IngestBatchRequest is the request for the batch ingest endpoint
type IngestBatchRequest struct {
	Records []IngestRecordRequest `json:"records" validate:"required,min=1,dive"`
}

// MergeMastersRequest confirms a reviewed duplicate by merging one master
// into another.
type MergeMastersRequest struct {
	SurvivorMasterID string `json:"survivor_master_id" validate:"required,uuid"`
	MergedMasterID   string `json:"merged_master_id" validate:"required,uuid"`
	Actor            string `json:"actor" validate:"required"`
}

// SplitEntityRequest moves a subset of natural keys off a master onto a new one.
type SplitEntityRequest struct {
	NaturalKeys []string `json:"natural_keys" validate:"required,min=1"`
	Actor       string   `json:"actor" validate:"required"`
}

// BackfillReorderRequest re-derives a master's timeline from its raw records.
type BackfillReorderRequest struct {
	Actor string `json:"actor" validate:"required"`
}

// VersionListResponse is the response for a master's version timeline
type VersionListResponse struct {
	Items      []GoldenVersion `json:"items"`
	TotalCount int             `json:"total_count"`
}

// DuplicateLinkListResponse is the response for a master's duplicate links
type DuplicateLinkListResponse struct {
	Items      []DuplicateLink `json:"items"`
	TotalCount int             `json:"total_count"`
}
