// Package operator implements the explicit human override commands: merge
// confirmation, entity splits, timeline backfills, and retirement. Every
// command is journaled and runs inside a single transaction.
package operator

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/repositories/audit"
	"github.com/Ramsey-B/fern/internal/repositories/duplicatelink"
	"github.com/Ramsey-B/fern/internal/repositories/masterentity"
	"github.com/Ramsey-B/fern/internal/repositories/matchkey"
	"github.com/Ramsey-B/fern/internal/repositories/naturalkey"
	"github.com/Ramsey-B/fern/internal/repositories/rawrecord"
	"github.com/Ramsey-B/fern/internal/repositories/tabledescriptor"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/history"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/quality"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const lockTTL = 30 * time.Second

// Service executes operator commands
type Service struct {
	masters     *masterentity.Repository
	keys        *naturalkey.Repository
	matchKeys   *matchkey.Repository
	links       *duplicatelink.Repository
	rawRecords  *rawrecord.Repository
	descriptors *tabledescriptor.Repository
	audit       *audit.Repository
	history     *history.Engine
	scorer      *quality.Scorer
	locker      *redis.Locker
	db          database.DB
	logger      ectologger.Logger
}

// NewService creates a new operator service. locker may be nil when running
// single-instance.
func NewService(
	masters *masterentity.Repository,
	keys *naturalkey.Repository,
	matchKeys *matchkey.Repository,
	links *duplicatelink.Repository,
	rawRecords *rawrecord.Repository,
	descriptors *tabledescriptor.Repository,
	auditRepo *audit.Repository,
	historyEngine *history.Engine,
	scorer *quality.Scorer,
	locker *redis.Locker,
	db database.DB,
	logger ectologger.Logger,
) *Service {
	return &Service{
		masters:     masters,
		keys:        keys,
		matchKeys:   matchKeys,
		links:       links,
		rawRecords:  rawRecords,
		descriptors: descriptors,
		audit:       auditRepo,
		history:     historyEngine,
		scorer:      scorer,
		locker:      locker,
		db:          db,
		logger:      logger,
	}
}

// ConfirmMerge folds the merged master into the survivor. All natural keys,
// match keys, and duplicate links move to the survivor, the merged master is
// marked merged with a pointer back to the survivor, and the survivor's
// timeline is re-derived from the combined raw record set.
func (s *Service) ConfirmMerge(ctx context.Context, tenantID string, req models.MergeMastersRequest) (*models.MasterEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "operator.Service.ConfirmMerge")
	defer span.End()

	if req.SurvivorMasterID == req.MergedMasterID {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "survivor and merged master must differ")
	}

	survivor, err := s.masters.Get(ctx, tenantID, req.SurvivorMasterID)
	if err != nil {
		return nil, err
	}
	merged, err := s.masters.Get(ctx, tenantID, req.MergedMasterID)
	if err != nil {
		return nil, err
	}
	if survivor.Status != models.MasterStatusActive {
		return nil, httperror.NewHTTPErrorf(http.StatusConflict, "survivor master %s is %s", survivor.ID, survivor.Status)
	}
	if merged.Status != models.MasterStatusActive {
		return nil, httperror.NewHTTPErrorf(http.StatusConflict, "merged master %s is %s", merged.ID, merged.Status)
	}
	if survivor.EntityType != merged.EntityType {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "masters are different entity types")
	}

	err = s.withMasterLocks(ctx, tenantID, []string{survivor.ID, merged.ID}, func() error {
		ctx, tx, err := s.db.GetTx(ctx, &sql.TxOptions{})
		if err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin merge transaction")
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := s.keys.RepointMaster(ctx, tenantID, merged.ID, survivor.ID); err != nil {
			return err
		}
		if err := s.matchKeys.RepointMaster(ctx, tenantID, merged.ID, survivor.ID); err != nil {
			return err
		}
		if err := s.links.RepointMaster(ctx, tenantID, merged.ID, survivor.ID); err != nil {
			return err
		}
		if err := s.masters.SetStatus(ctx, tenantID, merged.ID, models.MasterStatusMerged, &survivor.ID); err != nil {
			return err
		}

		if _, err := s.rederiveMaster(ctx, tenantID, survivor.EntityType, survivor.ID); err != nil {
			return err
		}

		if err := s.audit.Record(ctx, &models.OperatorAuditEntry{
			TenantID: tenantID,
			Action:   models.OperatorActionConfirmMerge,
			MasterID: survivor.ID,
			Actor:    req.Actor,
			Detail: database.NewJSONB(map[string]any{
				"merged_master_id": merged.ID,
			}),
		}); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"survivor_master_id": survivor.ID,
		"merged_master_id":   merged.ID,
		"actor":              req.Actor,
	}).Info("Merge confirmed")

	return s.masters.Get(ctx, tenantID, survivor.ID)
}

// SplitEntity moves the requested natural keys off a master onto a fresh one
// and re-derives both timelines from their remaining raw records. A source
// master left with no keys is retired.
func (s *Service) SplitEntity(ctx context.Context, tenantID, masterID string, req models.SplitEntityRequest) (*models.MasterEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "operator.Service.SplitEntity")
	defer span.End()

	source, err := s.masters.Get(ctx, tenantID, masterID)
	if err != nil {
		return nil, err
	}
	if source.Status != models.MasterStatusActive {
		return nil, httperror.NewHTTPErrorf(http.StatusConflict, "master %s is %s", source.ID, source.Status)
	}

	owned, err := s.keys.ListByMaster(ctx, tenantID, masterID)
	if err != nil {
		return nil, err
	}
	ownedSet := make(map[string]bool, len(owned))
	for _, entry := range owned {
		ownedSet[entry.NaturalKey] = true
	}
	for _, key := range req.NaturalKeys {
		if !ownedSet[key] {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "natural key %q does not belong to master %s", key, masterID)
		}
	}

	newMasterID := uuid.New().String()
	var newMaster *models.MasterEntity

	err = s.withMasterLocks(ctx, tenantID, []string{masterID, newMasterID}, func() error {
		ctx, tx, err := s.db.GetTx(ctx, &sql.TxOptions{})
		if err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin split transaction")
		}
		defer func() { _ = tx.Rollback() }()

		newMaster, err = s.masters.Create(ctx, tenantID, source.EntityType, newMasterID)
		if err != nil {
			return err
		}
		if _, err := s.keys.Repoint(ctx, tenantID, req.NaturalKeys, newMasterID); err != nil {
			return err
		}

		// match keys are derived state; wipe and rebuild from each side's records
		if err := s.matchKeys.DeleteByMaster(ctx, tenantID, masterID); err != nil {
			return err
		}

		remaining, err := s.rederiveMaster(ctx, tenantID, source.EntityType, masterID)
		if err != nil {
			return err
		}
		if _, err := s.rederiveMaster(ctx, tenantID, source.EntityType, newMasterID); err != nil {
			return err
		}
		if remaining == 0 {
			if err := s.masters.SetStatus(ctx, tenantID, masterID, models.MasterStatusRetired, nil); err != nil {
				return err
			}
		}

		if err := s.audit.Record(ctx, &models.OperatorAuditEntry{
			TenantID: tenantID,
			Action:   models.OperatorActionSplitEntity,
			MasterID: masterID,
			Actor:    req.Actor,
			Detail: database.NewJSONB(map[string]any{
				"new_master_id": newMasterID,
				"natural_keys":  req.NaturalKeys,
			}),
		}); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"master_id":     masterID,
		"new_master_id": newMasterID,
		"moved_keys":    len(req.NaturalKeys),
		"actor":         req.Actor,
	}).Info("Entity split")

	return newMaster, nil
}

// BackfillReorder rebuilds a master's timeline from its raw records in
// (as_of, ingestion_sequence) order. This is how late-arriving history that
// was quarantined as out-of-order gets folded in.
func (s *Service) BackfillReorder(ctx context.Context, tenantID, masterID string, req models.BackfillReorderRequest) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "operator.Service.BackfillReorder")
	defer span.End()

	master, err := s.masters.Get(ctx, tenantID, masterID)
	if err != nil {
		return 0, err
	}
	if master.Status == models.MasterStatusMerged {
		return 0, httperror.NewHTTPErrorf(http.StatusConflict, "master %s was merged into %s", master.ID, deref(master.MergedIntoID))
	}

	var applied int
	err = s.withMasterLocks(ctx, tenantID, []string{masterID}, func() error {
		ctx, tx, err := s.db.GetTx(ctx, &sql.TxOptions{})
		if err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin backfill transaction")
		}
		defer func() { _ = tx.Rollback() }()

		applied, err = s.rederiveMaster(ctx, tenantID, master.EntityType, masterID)
		if err != nil {
			return err
		}

		if err := s.audit.Record(ctx, &models.OperatorAuditEntry{
			TenantID: tenantID,
			Action:   models.OperatorActionBackfillReorder,
			MasterID: masterID,
			Actor:    req.Actor,
			Detail: database.NewJSONB(map[string]any{
				"applied_versions": applied,
			}),
		}); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"master_id": masterID,
		"applied":   applied,
		"actor":     req.Actor,
	}).Info("Timeline backfilled")

	return applied, nil
}

// RetireMaster closes the master's current version and marks it retired.
func (s *Service) RetireMaster(ctx context.Context, tenantID, masterID, actor string) error {
	ctx, span := tracing.StartSpan(ctx, "operator.Service.RetireMaster")
	defer span.End()

	master, err := s.masters.Get(ctx, tenantID, masterID)
	if err != nil {
		return err
	}
	if master.Status != models.MasterStatusActive {
		return httperror.NewHTTPErrorf(http.StatusConflict, "master %s is %s", master.ID, master.Status)
	}

	return s.withMasterLocks(ctx, tenantID, []string{masterID}, func() error {
		ctx, tx, err := s.db.GetTx(ctx, &sql.TxOptions{})
		if err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin retire transaction")
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := s.history.Close(ctx, tenantID, masterID, time.Now().UTC()); err != nil {
			return err
		}
		if err := s.masters.SetStatus(ctx, tenantID, masterID, models.MasterStatusRetired, nil); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, &models.OperatorAuditEntry{
			TenantID: tenantID,
			Action:   models.OperatorActionRetire,
			MasterID: masterID,
			Actor:    actor,
			Detail:   database.NewJSONB(map[string]any{}),
		}); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// rederiveMaster loads every raw record behind the master's current natural
// keys, conforms and scores them, and replays the timeline. Returns the
// number of versions applied. Callers hold the transaction and locks.
func (s *Service) rederiveMaster(ctx context.Context, tenantID, entityType, masterID string) (int, error) {
	entries, err := s.keys.ListByMaster(ctx, tenantID, masterID)
	if err != nil {
		return 0, err
	}

	naturalKeys := make([]string, 0, len(entries))
	for _, entry := range entries {
		naturalKeys = append(naturalKeys, entry.NaturalKey)
	}

	desc, err := s.descriptors.GetByEntityType(ctx, tenantID, entityType)
	if err != nil {
		return 0, err
	}

	var raws []models.RawRecord
	if len(naturalKeys) > 0 {
		raws, err = s.rawRecords.ListByNaturalKeys(ctx, tenantID, entityType, naturalKeys)
		if err != nil {
			return 0, err
		}
	}

	items := make([]history.RederiveItem, 0, len(raws))
	for i := range raws {
		rec, _ := normalizer.Normalize(&raws[i], desc)
		score, violations := s.scorer.Score(rec, desc)
		items = append(items, history.RederiveItem{Record: rec, Score: score, Violations: violations})

		for name, value := range rec.MatchKeys {
			entry := &models.MatchKeyEntry{
				TenantID:   tenantID,
				EntityType: entityType,
				KeyName:    name,
				KeyValue:   value,
				MasterID:   masterID,
			}
			if err := s.matchKeys.Upsert(ctx, entry); err != nil {
				return 0, err
			}
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Record, items[j].Record
		if !a.AsOf.Equal(b.AsOf) {
			return a.AsOf.Before(b.AsOf)
		}
		return a.IngestionSequence < b.IngestionSequence
	})

	return s.history.Rederive(ctx, desc, tenantID, masterID, items)
}

// withMasterLocks takes the per-master locks in sorted order so concurrent
// operator commands on overlapping masters cannot deadlock.
func (s *Service) withMasterLocks(ctx context.Context, tenantID string, masterIDs []string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}

	ids := make([]string, len(masterIDs))
	copy(ids, masterIDs)
	sort.Strings(ids)

	var run func(i int) error
	run = func(i int) error {
		if i == len(ids) {
			return fn()
		}
		key := fmt.Sprintf("master:%s:%s", tenantID, ids[i])
		return s.locker.WithLock(ctx, key, lockTTL, func() error {
			return run(i + 1)
		})
	}
	return run(0)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
