// Package quality scores conformed records against descriptor-declared
// completeness weights and validity rules.
package quality

import (
	"math"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Scorer computes data-quality scores. Pure with respect to the record: the
// same record and descriptor always produce the same score and violations.
type Scorer struct {
	evaluator *Evaluator
}

func NewScorer(evaluator *Evaluator) *Scorer {
	return &Scorer{evaluator: evaluator}
}

// Score blends weighted completeness of required columns with the pass ratio
// of the descriptor's validity rules, both in [0,1], into a 0-100 score.
// Coercion failures recorded by the normalizer join the returned violations,
// so they persist on the golden version alongside failed rules. They already
// price into completeness through the unparseable marker.
func (s *Scorer) Score(rec *models.NormalizedRecord, desc *models.TableDescriptor) (int, []models.RuleViolation) {
	completeness := s.completeness(rec, desc)
	validity, violations := s.validity(rec, desc)

	for _, v := range rec.Violations {
		violations = append(violations, models.RuleViolation{
			Rule:     "coercion:" + v.Field,
			Severity: "warning",
			Message:  v.Reason,
		})
	}

	score := int(math.Round(100 * (0.5*completeness + 0.5*validity)))
	return score, violations
}

func (s *Scorer) completeness(rec *models.NormalizedRecord, desc *models.TableDescriptor) float64 {
	var total, present float64
	for _, col := range desc.Columns.Data {
		if !col.Required {
			continue
		}
		weight := col.Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight

		value, ok := rec.Attributes[col.Name]
		if ok && value != nil && !models.IsUnparseable(value) {
			present += weight
		}
	}

	if total == 0 {
		return 1
	}
	return present / total
}

func (s *Scorer) validity(rec *models.NormalizedRecord, desc *models.TableDescriptor) (float64, []models.RuleViolation) {
	rules := desc.QualityRules.Data
	if len(rules) == 0 {
		return 1, nil
	}

	view := expressionView(rec.Attributes)

	var violations []models.RuleViolation
	passed := 0
	for _, rule := range rules {
		ok, err := s.evaluator.EvaluateBool(rule.Expression, view)
		if err == nil && ok {
			passed++
			continue
		}

		message := rule.Message
		if err != nil {
			message = err.Error()
		}
		violations = append(violations, models.RuleViolation{
			Rule:     rule.Name,
			Severity: rule.Severity,
			Message:  message,
		})
	}

	return float64(passed) / float64(len(rules)), violations
}

// expressionView rewrites typed attribute values into the shapes JMESPath
// comparisons understand: timestamps as RFC3339 strings, integers as floats,
// unparseable markers as null.
func expressionView(attributes map[string]any) map[string]any {
	view := make(map[string]any, len(attributes))
	for name, value := range attributes {
		switch v := value.(type) {
		case time.Time:
			view[name] = v.UTC().Format(time.RFC3339)
		case int64:
			view[name] = float64(v)
		case models.Unparseable:
			view[name] = nil
		default:
			view[name] = v
		}
	}
	return view
}
