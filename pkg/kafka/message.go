package kafka

import (
	"encoding/json"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}

// IngestEnvelope is the direct bronze record format for sources that publish
// conformance-ready events instead of raw CDC.
type IngestEnvelope struct {
	TenantID          string           `json:"tenant_id"`
	SourceSystem      string           `json:"source_system"`
	SourceTable       string           `json:"source_table"`
	EntityType        string           `json:"entity_type"`
	NaturalKey        []models.KeyPart `json:"natural_key"`
	Payload           map[string]any   `json:"payload"`
	CDCOperation      string           `json:"cdc_operation"`
	IngestionSequence int64            `json:"ingestion_sequence"`
	AsOf              time.Time        `json:"as_of"`
}

// GetTenantID returns the tenant from the headers
func (m *IncomingMessage) GetTenantID() string {
	return m.Headers["tenant_id"]
}

// GetEntityType returns the entity type from the headers
func (m *IncomingMessage) GetEntityType() string {
	return m.Headers["entity_type"]
}

// IsDebezium reports whether the message value looks like a Debezium CDC
// envelope rather than a direct ingest envelope.
func (m *IncomingMessage) IsDebezium() bool {
	if m.Headers["format"] == "debezium" {
		return true
	}
	var probe struct {
		Payload *struct {
			Op string `json:"op"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(m.Value, &probe); err != nil {
		return false
	}
	return probe.Payload != nil && probe.Payload.Op != ""
}

// ParseIngestEnvelope parses the message value as a direct ingest envelope
func (m *IncomingMessage) ParseIngestEnvelope() (*IngestEnvelope, error) {
	var envelope IngestEnvelope
	if err := json.Unmarshal(m.Value, &envelope); err != nil {
		return nil, err
	}
	if envelope.TenantID == "" {
		envelope.TenantID = m.GetTenantID()
	}
	return &envelope, nil
}

// ToRawRecord converts a direct envelope to a bronze record
func (e *IngestEnvelope) ToRawRecord() *models.RawRecord {
	return &models.RawRecord{
		TenantID:          e.TenantID,
		SourceSystem:      e.SourceSystem,
		SourceTable:       e.SourceTable,
		EntityType:        e.EntityType,
		NaturalKey:        database.NewJSONB(e.NaturalKey),
		Payload:           database.NewJSONB(e.Payload),
		CDCOperation:      models.CDCOperation(e.CDCOperation),
		IngestionSequence: e.IngestionSequence,
		AsOf:              e.AsOf,
	}
}
