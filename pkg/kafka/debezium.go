package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

// DebeziumEnvelope is the standard Debezium CDC message format
type DebeziumEnvelope struct {
	Schema  json.RawMessage `json:"schema,omitempty"`
	Payload DebeziumPayload `json:"payload"`
}

// DebeziumPayload contains the before/after state of a row
type DebeziumPayload struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Source DebeziumSource  `json:"source"`
	Op     string          `json:"op"` // c=create, u=update, d=delete, r=read (snapshot)
	TsMs   int64           `json:"ts_ms"`
}

// DebeziumSource contains metadata about the source of the change
type DebeziumSource struct {
	Version   string `json:"version"`
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Snapshot  string `json:"snapshot,omitempty"`
	Db        string `json:"db"`
	Sequence  string `json:"sequence,omitempty"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxId      int64  `json:"txId,omitempty"`
	Lsn       int64  `json:"lsn,omitempty"`
}

// ParseDebeziumMessage parses a raw Kafka message as a Debezium envelope
func ParseDebeziumMessage(data []byte) (*DebeziumEnvelope, error) {
	var envelope DebeziumEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// Operation maps the Debezium op code to a CDC operation. Snapshot reads
// count as inserts.
func (p *DebeziumPayload) Operation() (models.CDCOperation, error) {
	switch p.Op {
	case "c", "r":
		return models.CDCInsert, nil
	case "u":
		return models.CDCUpdate, nil
	case "d":
		return models.CDCDelete, nil
	default:
		return "", fmt.Errorf("unknown debezium op %q", p.Op)
	}
}

// Timestamp returns the event timestamp
func (p *DebeziumPayload) Timestamp() time.Time {
	return time.UnixMilli(p.TsMs).UTC()
}

// Ordering returns a monotonic sequence for the event. The LSN is preferred;
// connectors that omit it fall back to the source timestamp.
func (p *DebeziumPayload) Ordering() int64 {
	if p.Source.Lsn > 0 {
		return p.Source.Lsn
	}
	return p.TsMs
}

// Row returns the row image carried by the event. Deletes carry only the
// before image.
func (p *DebeziumPayload) Row() (map[string]any, error) {
	raw := p.After
	if len(raw) == 0 || string(raw) == "null" {
		raw = p.Before
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("debezium event has no row image")
	}

	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// ToRawRecord converts the CDC event to a bronze record using the descriptor's
// natural key fields to extract the composite key from the row image.
func (p *DebeziumPayload) ToRawRecord(desc *models.TableDescriptor, tenantID string) (*models.RawRecord, error) {
	op, err := p.Operation()
	if err != nil {
		return nil, err
	}

	row, err := p.Row()
	if err != nil {
		return nil, err
	}

	keyParts := make([]models.KeyPart, 0, len(desc.NaturalKeyFields.Data))
	for _, field := range desc.NaturalKeyFields.Data {
		value, ok := row[field]
		if !ok || value == nil {
			return nil, fmt.Errorf("natural key field %q missing from row image", field)
		}
		keyParts = append(keyParts, models.KeyPart{Field: field, Value: fmt.Sprintf("%v", value)})
	}

	sourceSystem := desc.SourceSystem
	if p.Source.Name != "" {
		sourceSystem = p.Source.Name
	}

	return &models.RawRecord{
		TenantID:          tenantID,
		SourceSystem:      sourceSystem,
		SourceTable:       p.Source.Table,
		EntityType:        desc.EntityType,
		NaturalKey:        database.NewJSONB(keyParts),
		Payload:           database.NewJSONB(row),
		CDCOperation:      op,
		IngestionSequence: p.Ordering(),
		AsOf:              p.Timestamp(),
	}, nil
}
