// Package normalizer canonicalizes raw bronze records into typed conformed
// records per table descriptor.
package normalizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// timestampFormats are tried in order when coercing DATE and TIMESTAMP columns
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// Normalize coerces a raw record's payload into a typed attribute map per the
// descriptor's column definitions and computes the record hash. Coercion
// failures set the field to an explicit unparseable marker and record a
// ValidationError; the record always proceeds. Display values are preserved
// verbatim; only match-key fields are folded, into a separate MatchKeys map.
// Pure function: no I/O, deterministic for a given input.
func Normalize(raw *models.RawRecord, desc *models.TableDescriptor) (*models.NormalizedRecord, []models.ValidationError) {
	var violations []models.ValidationError

	attributes := make(map[string]any, len(desc.Columns.Data))
	for _, col := range desc.Columns.Data {
		value, ok := raw.Payload.Data[col.Name]
		if !ok || value == nil {
			continue
		}

		coerced, err := coerce(value, col.Type)
		if err != nil {
			violations = append(violations, models.ValidationError{
				Field:  col.Name,
				Reason: err.Error(),
			})
			attributes[col.Name] = models.Unparseable{Raw: stringify(value)}
			continue
		}
		attributes[col.Name] = coerced
	}

	matchKeys := make(map[string]string, len(desc.MatchKeys.Data))
	for _, mk := range desc.MatchKeys.Data {
		value, ok := attributes[mk.Field]
		if !ok || models.IsUnparseable(value) {
			continue
		}
		folded := normalizers.ApplyChain(stringify(value), mk.Normalizers...)
		if folded != "" {
			matchKeys[mk.Field] = folded
		}
	}

	exclude := make(map[string]bool)
	for _, col := range desc.Columns.Data {
		if col.ExcludeFromHash {
			exclude[col.Name] = true
		}
	}

	return &models.NormalizedRecord{
		RawRecordID:       raw.ID,
		TenantID:          raw.TenantID,
		SourceSystem:      raw.SourceSystem,
		EntityType:        raw.EntityType,
		NaturalKey:        raw.NaturalKeyString(),
		Attributes:        attributes,
		MatchKeys:         matchKeys,
		RecordHash:        fingerprint.HashWithExclusions(attributes, exclude),
		CDCOperation:      raw.CDCOperation,
		AsOf:              raw.AsOf,
		IngestionSequence: raw.IngestionSequence,
		Violations:        violations,
	}, violations
}

func coerce(value any, colType models.ColumnType) (any, error) {
	switch colType {
	case models.ColumnTypeString:
		return stringify(value), nil
	case models.ColumnTypeDate:
		t, err := coerceTime(value)
		if err != nil {
			return nil, err
		}
		return t.Truncate(24 * time.Hour), nil
	case models.ColumnTypeTimestamp:
		return coerceTime(value)
	case models.ColumnTypeDecimal:
		return coerceFloat(value)
	case models.ColumnTypeInteger:
		return coerceInt(value)
	case models.ColumnTypeBoolean:
		return coerceBool(value)
	case models.ColumnTypeJSON:
		return value, nil
	default:
		return nil, fmt.Errorf("unknown column type '%s'", colType)
	}
}

func coerceTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		for _, format := range timestampFormats {
			if t, err := time.Parse(format, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp '%s'", v)
	case float64:
		// epoch millis from JSON numbers
		return time.UnixMilli(int64(v)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot coerce %T to timestamp", value)
	}
}

func coerceFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable decimal '%s'", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to decimal", value)
	}
}

func coerceInt(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("non-integral value %v", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable integer '%s'", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to integer", value)
	}
}

func coerceBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
		return false, fmt.Errorf("unparseable boolean '%s'", v)
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("cannot coerce %T to boolean", value)
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
