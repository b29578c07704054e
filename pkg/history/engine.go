// Package history applies conformed records to master timelines with SCD
// Type 2 semantics.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// VersionStore is the persistence surface the engine drives. Satisfied by
// the golden version repository.
type VersionStore interface {
	DB() database.DB
	GetLatest(ctx context.Context, tenantID, masterID string) (*models.GoldenVersion, error)
	Insert(ctx context.Context, version *models.GoldenVersion) error
	CloseCurrent(ctx context.Context, tenantID, masterID string, effectiveEnd time.Time) (int64, error)
	OverwriteCurrent(ctx context.Context, version *models.GoldenVersion) error
	DeleteByMaster(ctx context.Context, tenantID, masterID string) (int64, error)
}

// Engine decides and persists history transitions. The close of the prior
// current row and the open of its successor always share one transaction, so
// there is never a window with zero or two current rows for a master.
type Engine struct {
	versions VersionStore
	logger   ectologger.Logger
}

// NewEngine creates a new history engine
func NewEngine(versions VersionStore, logger ectologger.Logger) *Engine {
	return &Engine{
		versions: versions,
		logger:   logger,
	}
}

// Apply evaluates one conformed record against the master's timeline.
//
// Decision order:
//  1. no history yet: FirstVersion
//  2. incoming hash equals the current hash: NoOp regardless of as-of
//  3. event older than the latest version (or same as-of with a
//     non-later sequence): OutOfOrderError, nothing written
//  4. DELETE: close the current row with no successor
//  5. otherwise: close current and open a new version atomically
//
// Type 1 descriptors overwrite the single row in place instead of versioning.
func (e *Engine) Apply(ctx context.Context, desc *models.TableDescriptor, masterID string, rec *models.NormalizedRecord, score int, violations []models.RuleViolation) (*models.Transition, error) {
	ctx, span := tracing.StartSpan(ctx, "history.Engine.Apply")
	defer span.End()

	ctx, tx, err := e.versions.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, &models.PersistenceError{Op: "begin history transaction", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	transition, err := e.apply(ctx, desc, masterID, rec, score, violations)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &models.PersistenceError{Op: "commit history transaction", Err: err}
	}
	return transition, nil
}

func (e *Engine) apply(ctx context.Context, desc *models.TableDescriptor, masterID string, rec *models.NormalizedRecord, score int, violations []models.RuleViolation) (*models.Transition, error) {
	latest, err := e.versions.GetLatest(ctx, rec.TenantID, masterID)
	if err != nil {
		return nil, &models.PersistenceError{Op: "read latest version", Err: err}
	}

	if latest == nil {
		if rec.CDCOperation == models.CDCDelete {
			// delete for an entity with no history is a replayed noop
			return &models.Transition{Kind: models.TransitionNoOp}, nil
		}
		return e.openFirst(ctx, masterID, rec, score, violations)
	}

	if latest.IsCurrent && latest.RecordHash == rec.RecordHash && rec.CDCOperation != models.CDCDelete {
		return &models.Transition{Kind: models.TransitionNoOp}, nil
	}

	if rec.AsOf.Before(latest.EffectiveStart) ||
		(rec.AsOf.Equal(latest.EffectiveStart) && rec.IngestionSequence <= latest.IngestionSequence) {
		return nil, &models.OutOfOrderError{
			MasterID:         masterID,
			AsOf:             rec.AsOf,
			CurrentStart:     latest.EffectiveStart,
			CurrentVersionID: latest.ID,
		}
	}

	if rec.CDCOperation == models.CDCDelete {
		if !latest.IsCurrent {
			return &models.Transition{Kind: models.TransitionNoOp}, nil
		}
		if _, err := e.versions.CloseCurrent(ctx, rec.TenantID, masterID, rec.AsOf); err != nil {
			return nil, &models.PersistenceError{Op: "close current version", Err: err}
		}
		closed := *latest
		closed.EffectiveEnd = rec.AsOf
		closed.IsCurrent = false
		e.logger.WithContext(ctx).WithFields(map[string]any{"master_id": masterID, "version_number": latest.VersionNumber}).Info("Closed current version on delete")
		return &models.Transition{Kind: models.TransitionClose, Closed: &closed}, nil
	}

	if desc.SCDType == models.SCDType1 && latest.IsCurrent {
		return e.overwrite(ctx, latest, masterID, rec, score, violations)
	}

	return e.supersede(ctx, latest, masterID, rec, score, violations)
}

func (e *Engine) openFirst(ctx context.Context, masterID string, rec *models.NormalizedRecord, score int, violations []models.RuleViolation) (*models.Transition, error) {
	version := e.buildVersion(masterID, rec, 1, score, violations)
	if err := e.versions.Insert(ctx, version); err != nil {
		return nil, &models.PersistenceError{Op: "insert first version", Err: err}
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{"master_id": masterID}).Info("Opened first golden version")
	return &models.Transition{Kind: models.TransitionFirstVersion, Opened: version}, nil
}

func (e *Engine) supersede(ctx context.Context, latest *models.GoldenVersion, masterID string, rec *models.NormalizedRecord, score int, violations []models.RuleViolation) (*models.Transition, error) {
	var closed *models.GoldenVersion
	if latest.IsCurrent {
		if _, err := e.versions.CloseCurrent(ctx, rec.TenantID, masterID, rec.AsOf); err != nil {
			return nil, &models.PersistenceError{Op: "close current version", Err: err}
		}
		c := *latest
		c.EffectiveEnd = rec.AsOf
		c.IsCurrent = false
		closed = &c
	}

	version := e.buildVersion(masterID, rec, latest.VersionNumber+1, score, violations)
	if err := e.versions.Insert(ctx, version); err != nil {
		return nil, &models.PersistenceError{Op: "insert new version", Err: err}
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{"master_id": masterID, "version_number": version.VersionNumber}).Info("Opened new golden version")
	return &models.Transition{Kind: models.TransitionNewVersion, Closed: closed, Opened: version}, nil
}

func (e *Engine) overwrite(ctx context.Context, latest *models.GoldenVersion, masterID string, rec *models.NormalizedRecord, score int, violations []models.RuleViolation) (*models.Transition, error) {
	version := e.buildVersion(masterID, rec, latest.VersionNumber, score, violations)
	version.ID = latest.ID
	version.CreatedAt = latest.CreatedAt

	if err := e.versions.OverwriteCurrent(ctx, version); err != nil {
		return nil, &models.PersistenceError{Op: "overwrite current version", Err: err}
	}
	return &models.Transition{Kind: models.TransitionOverwrite, Opened: version}, nil
}

// Close ends the master's current version at the given time without opening
// a successor. Retirement uses this; ingestion closes through Apply.
func (e *Engine) Close(ctx context.Context, tenantID, masterID string, at time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "history.Engine.Close")
	defer span.End()

	closed, err := e.versions.CloseCurrent(ctx, tenantID, masterID, at)
	if err != nil {
		return 0, &models.PersistenceError{Op: "close current version", Err: err}
	}
	return closed, nil
}

// RederiveItem is one conformed record in a timeline rebuild, already scored.
type RederiveItem struct {
	Record     *models.NormalizedRecord
	Score      int
	Violations []models.RuleViolation
}

// Rederive wipes a master's timeline and rebuilds it from its raw records in
// (as_of, ingestion_sequence) order. This is the only path that may rewrite
// history; callers sort items and hold the surrounding transaction.
func (e *Engine) Rederive(ctx context.Context, desc *models.TableDescriptor, tenantID, masterID string, items []RederiveItem) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "history.Engine.Rederive")
	defer span.End()

	if _, err := e.versions.DeleteByMaster(ctx, tenantID, masterID); err != nil {
		return 0, &models.PersistenceError{Op: "delete timeline", Err: err}
	}

	applied := 0
	for _, item := range items {
		transition, err := e.apply(ctx, desc, masterID, item.Record, item.Score, item.Violations)
		if err != nil {
			return applied, err
		}
		if transition.Kind != models.TransitionNoOp {
			applied++
		}
	}
	return applied, nil
}

func (e *Engine) buildVersion(masterID string, rec *models.NormalizedRecord, versionNumber int, score int, violations []models.RuleViolation) *models.GoldenVersion {
	return &models.GoldenVersion{
		MasterID:          masterID,
		TenantID:          rec.TenantID,
		VersionNumber:     versionNumber,
		Attributes:        database.NewJSONB(rec.Attributes),
		EffectiveStart:    rec.AsOf,
		EffectiveEnd:      models.MaxDate,
		IsCurrent:         true,
		RecordHash:        rec.RecordHash,
		DataQualityScore:  score,
		QualityViolations: database.NewJSONB(violations),
		SourceRawRecordID: rec.RawRecordID,
		IngestionSequence: rec.IngestionSequence,
	}
}
