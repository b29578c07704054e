package models

import (
	"fmt"
	"time"
)

// ValidationError is a field-level coercion or constraint failure. The record
// proceeds with the violation recorded; it is returned as data, never thrown.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Reason)
}

// RuleViolation is one failed data-quality rule attached to a golden version.
type RuleViolation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// AmbiguousMatchError reports two existing masters tying at or above the
// match threshold. The record is quarantined for human resolution.
type AmbiguousMatchError struct {
	EntityType string   `json:"entity_type"`
	NaturalKey string   `json:"natural_key"`
	MasterIDs  []string `json:"master_ids"`
	Confidence int      `json:"confidence"`
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("ambiguous match for %s key '%s': %d masters tie at confidence %d", e.EntityType, e.NaturalKey, len(e.MasterIDs), e.Confidence)
}

// OutOfOrderError reports an event older than the master's current version.
// It is routed to the correction queue, never silently applied.
type OutOfOrderError struct {
	MasterID         string    `json:"master_id"`
	AsOf             time.Time `json:"as_of"`
	CurrentStart     time.Time `json:"current_start"`
	CurrentVersionID string    `json:"current_version_id"`
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out-of-order event for master %s: as_of %s precedes current version start %s", e.MasterID, e.AsOf.Format(time.RFC3339), e.CurrentStart.Format(time.RFC3339))
}

// PersistenceError wraps a storage failure. The orchestrator retries these
// with backoff before quarantining the entity's update.
type PersistenceError struct {
	Op  string `json:"op"`
	Err error  `json:"-"`
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
