package kafka

import (
	"testing"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ingestEnvelope = `{
	"tenant_id": "tenant-1",
	"source_system": "crm",
	"source_table": "customers",
	"entity_type": "customer",
	"natural_key": [{"field": "customer_id", "value": "C-100"}],
	"payload": {"customer_id": "C-100", "email": "j@x.com"},
	"cdc_operation": "UPDATE",
	"ingestion_sequence": 42,
	"as_of": "2024-03-01T12:00:00Z"
}`

func TestIncomingMessage_Headers(t *testing.T) {
	msg := &IncomingMessage{
		Headers: map[string]string{"tenant_id": "tenant-1", "entity_type": "customer"},
	}
	assert.Equal(t, "tenant-1", msg.GetTenantID())
	assert.Equal(t, "customer", msg.GetEntityType())
}

func TestIncomingMessage_IsDebezium(t *testing.T) {
	t.Run("format header wins", func(t *testing.T) {
		msg := &IncomingMessage{
			Headers: map[string]string{"format": "debezium"},
			Value:   []byte(`{}`),
		}
		assert.True(t, msg.IsDebezium())
	})

	t.Run("payload op sniffed", func(t *testing.T) {
		msg := &IncomingMessage{
			Headers: map[string]string{},
			Value:   []byte(`{"payload": {"op": "u", "after": {}}}`),
		}
		assert.True(t, msg.IsDebezium())
	})

	t.Run("direct envelope is not debezium", func(t *testing.T) {
		msg := &IncomingMessage{
			Headers: map[string]string{},
			Value:   []byte(ingestEnvelope),
		}
		assert.False(t, msg.IsDebezium())
	})

	t.Run("malformed value is not debezium", func(t *testing.T) {
		msg := &IncomingMessage{Headers: map[string]string{}, Value: []byte(`not json`)}
		assert.False(t, msg.IsDebezium())
	})
}

func TestIncomingMessage_ParseIngestEnvelope(t *testing.T) {
	t.Run("parses all fields", func(t *testing.T) {
		msg := &IncomingMessage{Value: []byte(ingestEnvelope)}
		envelope, err := msg.ParseIngestEnvelope()
		require.NoError(t, err)

		assert.Equal(t, "tenant-1", envelope.TenantID)
		assert.Equal(t, "customer", envelope.EntityType)
		assert.Equal(t, "UPDATE", envelope.CDCOperation)
		assert.Equal(t, int64(42), envelope.IngestionSequence)
		require.Len(t, envelope.NaturalKey, 1)
		assert.Equal(t, "customer_id", envelope.NaturalKey[0].Field)
	})

	t.Run("tenant falls back to header", func(t *testing.T) {
		msg := &IncomingMessage{
			Headers: map[string]string{"tenant_id": "tenant-2"},
			Value:   []byte(`{"entity_type": "customer", "payload": {}}`),
		}
		envelope, err := msg.ParseIngestEnvelope()
		require.NoError(t, err)
		assert.Equal(t, "tenant-2", envelope.TenantID)
	})

	t.Run("malformed value errors", func(t *testing.T) {
		msg := &IncomingMessage{Value: []byte(`{`)}
		_, err := msg.ParseIngestEnvelope()
		assert.Error(t, err)
	})
}

func TestIngestEnvelope_ToRawRecord(t *testing.T) {
	msg := &IncomingMessage{Value: []byte(ingestEnvelope)}
	envelope, err := msg.ParseIngestEnvelope()
	require.NoError(t, err)

	raw := envelope.ToRawRecord()

	assert.Equal(t, "tenant-1", raw.TenantID)
	assert.Equal(t, "crm", raw.SourceSystem)
	assert.Equal(t, "customers", raw.SourceTable)
	assert.Equal(t, "customer", raw.EntityType)
	assert.Equal(t, models.CDCUpdate, raw.CDCOperation)
	assert.Equal(t, int64(42), raw.IngestionSequence)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), raw.AsOf)
	assert.Equal(t, "customer_id=C-100", raw.NaturalKeyString())
	assert.Equal(t, "j@x.com", raw.Payload.Data["email"])
}
