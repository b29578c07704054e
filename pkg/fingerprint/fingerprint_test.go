package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHash_Deterministic(t *testing.T) {
	attrs := map[string]any{
		"first_name": "John",
		"last_name":  "Doe",
		"age":        int64(42),
	}

	t.Run("same input produces same hash", func(t *testing.T) {
		assert.Equal(t, Hash(attrs), Hash(attrs))
	})

	t.Run("equal maps built in different order produce same hash", func(t *testing.T) {
		other := map[string]any{
			"age":        int64(42),
			"last_name":  "Doe",
			"first_name": "John",
		}
		assert.Equal(t, Hash(attrs), Hash(other))
	})

	t.Run("different value produces different hash", func(t *testing.T) {
		other := map[string]any{
			"first_name": "Jane",
			"last_name":  "Doe",
			"age":        int64(42),
		}
		assert.NotEqual(t, Hash(attrs), Hash(other))
	})

	t.Run("hash is hex sha256", func(t *testing.T) {
		assert.Len(t, Hash(attrs), 64)
	})
}

func TestHash_NestedStructures(t *testing.T) {
	t.Run("nested maps are canonicalized", func(t *testing.T) {
		a := map[string]any{
			"address": map[string]any{"city": "Austin", "state": "TX"},
		}
		b := map[string]any{
			"address": map[string]any{"state": "TX", "city": "Austin"},
		}
		assert.Equal(t, Hash(a), Hash(b))
	})

	t.Run("array order is significant", func(t *testing.T) {
		a := map[string]any{"tags": []any{"x", "y"}}
		b := map[string]any{"tags": []any{"y", "x"}}
		assert.NotEqual(t, Hash(a), Hash(b))
	})

	t.Run("timestamps compare by instant not zone", func(t *testing.T) {
		loc := time.FixedZone("CST", -6*3600)
		a := map[string]any{"at": time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
		b := map[string]any{"at": time.Date(2024, 3, 1, 6, 0, 0, 0, loc)}
		assert.Equal(t, Hash(a), Hash(b))
	})
}

func TestHashWithExclusions(t *testing.T) {
	attrs := map[string]any{
		"first_name":  "John",
		"updated_by":  "etl-job-7",
		"ingested_at": "2024-03-01T00:00:00Z",
	}

	t.Run("excluded fields do not affect hash", func(t *testing.T) {
		exclude := map[string]bool{"updated_by": true, "ingested_at": true}
		other := map[string]any{
			"first_name":  "John",
			"updated_by":  "etl-job-8",
			"ingested_at": "2024-04-15T00:00:00Z",
		}
		assert.Equal(t, HashWithExclusions(attrs, exclude), HashWithExclusions(other, exclude))
	})

	t.Run("exclusion changes the hash relative to full map", func(t *testing.T) {
		exclude := map[string]bool{"updated_by": true}
		assert.NotEqual(t, Hash(attrs), HashWithExclusions(attrs, exclude))
	})

	t.Run("nested paths under an excluded parent are excluded", func(t *testing.T) {
		exclude := map[string]bool{"audit": true}
		a := map[string]any{
			"name":  "x",
			"audit": map[string]any{"by": "a", "at": "b"},
		}
		b := map[string]any{
			"name":  "x",
			"audit": map[string]any{"by": "c", "at": "d"},
		}
		assert.Equal(t, HashWithExclusions(a, exclude), HashWithExclusions(b, exclude))
	})

	t.Run("dot path excludes only the nested field", func(t *testing.T) {
		exclude := map[string]bool{"address.geo": true}
		a := map[string]any{
			"address": map[string]any{"city": "Austin", "geo": "30.2,-97.7"},
		}
		b := map[string]any{
			"address": map[string]any{"city": "Austin", "geo": "30.3,-97.8"},
		}
		c := map[string]any{
			"address": map[string]any{"city": "Dallas", "geo": "30.2,-97.7"},
		}
		assert.Equal(t, HashWithExclusions(a, exclude), HashWithExclusions(b, exclude))
		assert.NotEqual(t, HashWithExclusions(a, exclude), HashWithExclusions(c, exclude))
	})

	t.Run("nil exclusions match plain hash", func(t *testing.T) {
		assert.Equal(t, Hash(attrs), HashWithExclusions(attrs, nil))
	})
}
