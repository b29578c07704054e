package kafka

import (
	"testing"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const debeziumUpdate = `{
	"payload": {
		"before": {"customer_id": "C-100", "email": "old@example.com"},
		"after": {"customer_id": "C-100", "email": "new@example.com", "first_name": "John"},
		"source": {
			"version": "2.1.0",
			"connector": "postgresql",
			"name": "crm-db",
			"ts_ms": 1709294400000,
			"db": "crm",
			"schema": "public",
			"table": "customers",
			"lsn": 987654
		},
		"op": "u",
		"ts_ms": 1709294400123
	}
}`

func debeziumDescriptor() *models.TableDescriptor {
	return &models.TableDescriptor{
		TenantID:         "tenant-1",
		EntityType:       "customer",
		SourceSystem:     "crm",
		SourceTable:      "customers",
		NaturalKeyFields: database.NewJSONB([]string{"customer_id"}),
	}
}

func TestParseDebeziumMessage(t *testing.T) {
	envelope, err := ParseDebeziumMessage([]byte(debeziumUpdate))
	require.NoError(t, err)

	assert.Equal(t, "u", envelope.Payload.Op)
	assert.Equal(t, "crm-db", envelope.Payload.Source.Name)
	assert.Equal(t, "customers", envelope.Payload.Source.Table)
	assert.Equal(t, int64(987654), envelope.Payload.Source.Lsn)
}

func TestDebeziumPayload_Operation(t *testing.T) {
	cases := map[string]models.CDCOperation{
		"c": models.CDCInsert,
		"r": models.CDCInsert,
		"u": models.CDCUpdate,
		"d": models.CDCDelete,
	}
	for op, want := range cases {
		p := &DebeziumPayload{Op: op}
		got, err := p.Operation()
		require.NoError(t, err, op)
		assert.Equal(t, want, got, op)
	}

	_, err := (&DebeziumPayload{Op: "t"}).Operation()
	assert.Error(t, err)
}

func TestDebeziumPayload_Ordering(t *testing.T) {
	t.Run("prefers lsn", func(t *testing.T) {
		p := &DebeziumPayload{TsMs: 1709294400123, Source: DebeziumSource{Lsn: 987654}}
		assert.Equal(t, int64(987654), p.Ordering())
	})

	t.Run("falls back to event timestamp", func(t *testing.T) {
		p := &DebeziumPayload{TsMs: 1709294400123}
		assert.Equal(t, int64(1709294400123), p.Ordering())
	})
}

func TestDebeziumPayload_Row(t *testing.T) {
	t.Run("update uses after image", func(t *testing.T) {
		envelope, err := ParseDebeziumMessage([]byte(debeziumUpdate))
		require.NoError(t, err)

		row, err := envelope.Payload.Row()
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", row["email"])
	})

	t.Run("delete uses before image", func(t *testing.T) {
		p := &DebeziumPayload{
			Before: []byte(`{"customer_id": "C-100"}`),
			After:  []byte(`null`),
			Op:     "d",
		}
		row, err := p.Row()
		require.NoError(t, err)
		assert.Equal(t, "C-100", row["customer_id"])
	})

	t.Run("no image errors", func(t *testing.T) {
		p := &DebeziumPayload{Op: "u"}
		_, err := p.Row()
		assert.Error(t, err)
	})
}

func TestDebeziumPayload_ToRawRecord(t *testing.T) {
	desc := debeziumDescriptor()

	t.Run("maps a CDC update", func(t *testing.T) {
		envelope, err := ParseDebeziumMessage([]byte(debeziumUpdate))
		require.NoError(t, err)

		raw, err := envelope.Payload.ToRawRecord(desc, "tenant-1")
		require.NoError(t, err)

		assert.Equal(t, "tenant-1", raw.TenantID)
		assert.Equal(t, "crm-db", raw.SourceSystem)
		assert.Equal(t, "customers", raw.SourceTable)
		assert.Equal(t, "customer", raw.EntityType)
		assert.Equal(t, models.CDCUpdate, raw.CDCOperation)
		assert.Equal(t, int64(987654), raw.IngestionSequence)
		assert.Equal(t, time.UnixMilli(1709294400123).UTC(), raw.AsOf)

		require.Len(t, raw.NaturalKey.Data, 1)
		assert.Equal(t, models.KeyPart{Field: "customer_id", Value: "C-100"}, raw.NaturalKey.Data[0])
		assert.Equal(t, "new@example.com", raw.Payload.Data["email"])
	})

	t.Run("descriptor source system when connector name absent", func(t *testing.T) {
		p := &DebeziumPayload{
			After: []byte(`{"customer_id": "C-100"}`),
			Op:    "c",
			TsMs:  1709294400000,
		}
		raw, err := p.ToRawRecord(desc, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, "crm", raw.SourceSystem)
	})

	t.Run("missing natural key field errors", func(t *testing.T) {
		p := &DebeziumPayload{
			After: []byte(`{"email": "x@example.com"}`),
			Op:    "c",
		}
		_, err := p.ToRawRecord(desc, "tenant-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "customer_id")
	})

	t.Run("numeric key values are stringified", func(t *testing.T) {
		p := &DebeziumPayload{
			After: []byte(`{"customer_id": 100}`),
			Op:    "c",
		}
		raw, err := p.ToRawRecord(desc, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, "100", raw.NaturalKey.Data[0].Value)
	})
}
