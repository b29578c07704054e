package quality

import (
	"testing"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scorerDescriptor(rules []models.QualityRule) *models.TableDescriptor {
	return &models.TableDescriptor{
		ID:         "desc-1",
		TenantID:   "tenant-1",
		EntityType: "customer",
		Columns: database.NewJSONB([]models.ColumnDefinition{
			{Name: "first_name", Type: models.ColumnTypeString, Required: true, Weight: 2},
			{Name: "last_name", Type: models.ColumnTypeString, Required: true, Weight: 2},
			{Name: "email", Type: models.ColumnTypeString, Required: true},
			{Name: "nickname", Type: models.ColumnTypeString},
		}),
		QualityRules: database.NewJSONB(rules),
	}
}

func scoredRecord(attrs map[string]any) *models.NormalizedRecord {
	return &models.NormalizedRecord{
		TenantID:   "tenant-1",
		EntityType: "customer",
		Attributes: attrs,
	}
}

func TestScorer_Completeness(t *testing.T) {
	scorer := NewScorer(NewEvaluator())
	desc := scorerDescriptor(nil)

	t.Run("all required present scores 100", func(t *testing.T) {
		score, violations := scorer.Score(scoredRecord(map[string]any{
			"first_name": "John",
			"last_name":  "Doe",
			"email":      "j@x.com",
		}), desc)
		assert.Equal(t, 100, score)
		assert.Empty(t, violations)
	})

	t.Run("missing weighted field costs proportionally", func(t *testing.T) {
		// total weight 5, missing first_name (weight 2): completeness 3/5,
		// validity 1 with no rules, score = 100 * (0.5*0.6 + 0.5*1) = 80
		score, _ := scorer.Score(scoredRecord(map[string]any{
			"last_name": "Doe",
			"email":     "j@x.com",
		}), desc)
		assert.Equal(t, 80, score)
	})

	t.Run("unweighted required column defaults to weight 1", func(t *testing.T) {
		// missing email (weight 1): completeness 4/5, score = 90
		score, _ := scorer.Score(scoredRecord(map[string]any{
			"first_name": "John",
			"last_name":  "Doe",
		}), desc)
		assert.Equal(t, 90, score)
	})

	t.Run("optional fields do not count", func(t *testing.T) {
		withNickname, _ := scorer.Score(scoredRecord(map[string]any{
			"first_name": "John",
			"last_name":  "Doe",
			"email":      "j@x.com",
			"nickname":   "JD",
		}), desc)
		assert.Equal(t, 100, withNickname)
	})

	t.Run("unparseable counts as missing", func(t *testing.T) {
		score, _ := scorer.Score(scoredRecord(map[string]any{
			"first_name": models.Unparseable{Raw: "???"},
			"last_name":  "Doe",
			"email":      "j@x.com",
		}), desc)
		assert.Equal(t, 80, score)
	})

	t.Run("no required columns means full completeness", func(t *testing.T) {
		bare := &models.TableDescriptor{
			Columns: database.NewJSONB([]models.ColumnDefinition{
				{Name: "nickname", Type: models.ColumnTypeString},
			}),
		}
		score, _ := scorer.Score(scoredRecord(map[string]any{}), bare)
		assert.Equal(t, 100, score)
	})
}

func TestScorer_Validity(t *testing.T) {
	scorer := NewScorer(NewEvaluator())

	fullRecord := func() *models.NormalizedRecord {
		return scoredRecord(map[string]any{
			"first_name": "John",
			"last_name":  "Doe",
			"email":      "j@x.com",
			"age":        int64(30),
		})
	}

	t.Run("passing rules report no violations", func(t *testing.T) {
		desc := scorerDescriptor([]models.QualityRule{
			{Name: "has_email", Expression: "email", Severity: "error", Message: "email required"},
			{Name: "adult", Expression: "age >= `18`", Severity: "warning", Message: "must be adult"},
		})
		score, violations := scorer.Score(fullRecord(), desc)
		assert.Equal(t, 100, score)
		assert.Empty(t, violations)
	})

	t.Run("failing rule reduces score and records violation", func(t *testing.T) {
		desc := scorerDescriptor([]models.QualityRule{
			{Name: "has_email", Expression: "email", Severity: "error", Message: "email required"},
			{Name: "minor", Expression: "age < `18`", Severity: "warning", Message: "too old"},
		})
		// completeness 1, validity 1/2: score = 100 * (0.5 + 0.25) = 75
		score, violations := scorer.Score(fullRecord(), desc)
		assert.Equal(t, 75, score)
		require.Len(t, violations, 1)
		assert.Equal(t, "minor", violations[0].Rule)
		assert.Equal(t, "warning", violations[0].Severity)
		assert.Equal(t, "too old", violations[0].Message)
	})

	t.Run("invalid expression counts as failed with compile error message", func(t *testing.T) {
		desc := scorerDescriptor([]models.QualityRule{
			{Name: "broken", Expression: "age >>", Severity: "error", Message: "n/a"},
		})
		_, violations := scorer.Score(fullRecord(), desc)
		require.Len(t, violations, 1)
		assert.Equal(t, "broken", violations[0].Rule)
		assert.Contains(t, violations[0].Message, "invalid expression")
	})

	t.Run("rules see typed values through the expression view", func(t *testing.T) {
		desc := scorerDescriptor([]models.QualityRule{
			{Name: "recent", Expression: "signup == '2024-03-01T00:00:00Z'", Severity: "error"},
		})
		rec := fullRecord()
		rec.Attributes["signup"] = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		_, violations := scorer.Score(rec, desc)
		assert.Empty(t, violations)
	})

	t.Run("unparseable attribute is null to rules", func(t *testing.T) {
		desc := scorerDescriptor([]models.QualityRule{
			{Name: "has_age", Expression: "age", Severity: "error", Message: "age required"},
		})
		rec := fullRecord()
		rec.Attributes["age"] = models.Unparseable{Raw: "??"}
		_, violations := scorer.Score(rec, desc)
		require.Len(t, violations, 1)
		assert.Equal(t, "has_age", violations[0].Rule)
	})
}

func TestScorer_CoercionViolationsCarried(t *testing.T) {
	scorer := NewScorer(NewEvaluator())
	desc := scorerDescriptor(nil)

	rec := scoredRecord(map[string]any{
		"first_name": models.Unparseable{Raw: "???"},
		"last_name":  "Doe",
		"email":      "j@x.com",
	})
	rec.Violations = []models.ValidationError{
		{Field: "first_name", Reason: "cannot coerce float64 to string"},
	}

	score, violations := scorer.Score(rec, desc)

	// the marker already counts against completeness; the violation is
	// carried, not double-charged
	assert.Equal(t, 80, score)
	require.Len(t, violations, 1)
	assert.Equal(t, "coercion:first_name", violations[0].Rule)
	assert.Equal(t, "warning", violations[0].Severity)
	assert.Equal(t, "cannot coerce float64 to string", violations[0].Message)
}

func TestEvaluator(t *testing.T) {
	eval := NewEvaluator()

	t.Run("boolean result", func(t *testing.T) {
		ok, err := eval.EvaluateBool("age > `18`", map[string]any{"age": float64(30)})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("missing field is falsy", func(t *testing.T) {
		ok, err := eval.EvaluateBool("missing", map[string]any{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty string is falsy", func(t *testing.T) {
		ok, err := eval.EvaluateBool("name", map[string]any{"name": ""})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid expression errors", func(t *testing.T) {
		_, err := eval.EvaluateBool("][", map[string]any{})
		assert.Error(t, err)
	})

	t.Run("validate reports compile errors", func(t *testing.T) {
		assert.NoError(t, eval.Validate("a && b"))
		assert.Error(t, eval.Validate("]["))
	})
}
