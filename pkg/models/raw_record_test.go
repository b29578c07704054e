package models

import (
	"testing"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/stretchr/testify/assert"
)

func TestRawRecord_NaturalKeyString(t *testing.T) {
	t.Run("single part", func(t *testing.T) {
		r := &RawRecord{NaturalKey: database.NewJSONB([]KeyPart{
			{Field: "customer_id", Value: "C-100"},
		})}
		assert.Equal(t, "customer_id=C-100", r.NaturalKeyString())
	})

	t.Run("composite key is order independent", func(t *testing.T) {
		a := &RawRecord{NaturalKey: database.NewJSONB([]KeyPart{
			{Field: "region", Value: "us"},
			{Field: "account", Value: "A-1"},
		})}
		b := &RawRecord{NaturalKey: database.NewJSONB([]KeyPart{
			{Field: "account", Value: "A-1"},
			{Field: "region", Value: "us"},
		})}
		assert.Equal(t, "account=A-1|region=us", a.NaturalKeyString())
		assert.Equal(t, a.NaturalKeyString(), b.NaturalKeyString())
	})

	t.Run("does not mutate the key parts", func(t *testing.T) {
		r := &RawRecord{NaturalKey: database.NewJSONB([]KeyPart{
			{Field: "region", Value: "us"},
			{Field: "account", Value: "A-1"},
		})}
		_ = r.NaturalKeyString()
		assert.Equal(t, "region", r.NaturalKey.Data[0].Field)
	})

	t.Run("empty key", func(t *testing.T) {
		r := &RawRecord{}
		assert.Equal(t, "", r.NaturalKeyString())
	})
}

func TestIsUnparseable(t *testing.T) {
	assert.True(t, IsUnparseable(Unparseable{Raw: "x"}))
	assert.False(t, IsUnparseable("x"))
	assert.False(t, IsUnparseable(nil))
}
