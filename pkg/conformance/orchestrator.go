// Package conformance sequences normalization, identity resolution, history
// application, and quality scoring for batches of bronze records.
package conformance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	ferncontext "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/quality"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// GoldenEventPublisher emits a change event for each applied transition.
type GoldenEventPublisher interface {
	PublishTransition(ctx context.Context, tenantID, entityType, masterID string, transition *models.Transition) error
}

// DescriptorSource looks up the active descriptor for an entity type.
type DescriptorSource interface {
	GetByEntityType(ctx context.Context, tenantID, entityType string) (*models.TableDescriptor, error)
}

// RawRecordStore persists bronze records for provenance.
type RawRecordStore interface {
	Insert(ctx context.Context, rec *models.RawRecord) error
}

// MasterStore bumps master bookkeeping after an applied transition.
type MasterStore interface {
	Touch(ctx context.Context, tenantID, id string) error
}

// IdentityResolver assigns a master to one conformed record.
type IdentityResolver interface {
	Resolve(ctx context.Context, desc *models.TableDescriptor, rec *models.NormalizedRecord, session *resolver.Session) (*models.Resolution, error)
}

// HistoryApplier applies one conformed record to a master's timeline.
type HistoryApplier interface {
	Apply(ctx context.Context, desc *models.TableDescriptor, masterID string, rec *models.NormalizedRecord, score int, violations []models.RuleViolation) (*models.Transition, error)
}

// QuarantineStore records failed records with diagnostic context.
type QuarantineStore interface {
	Insert(ctx context.Context, rec *models.QuarantineRecord) error
}

// Config tunes the orchestrator
type Config struct {
	WorkerCount        int
	RecordTimeout      time.Duration
	PersistMaxAttempts int
	RetryBackoffBase   time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = 30 * time.Second
	}
	if c.PersistMaxAttempts <= 0 {
		c.PersistMaxAttempts = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 250 * time.Millisecond
	}
	return c
}

// Orchestrator runs batches. Resolution is a single serial pass so the
// in-flight candidate table sees every earlier record; history application
// fans out across workers partitioned by master hash, which serializes all
// updates to one master on one worker.
type Orchestrator struct {
	cfg         Config
	descriptors DescriptorSource
	rawRecords  RawRecordStore
	masters     MasterStore
	resolver    IdentityResolver
	history     HistoryApplier
	scorer      *quality.Scorer
	quarantine  QuarantineStore
	corrections *redis.CorrectionQueue
	publisher   GoldenEventPublisher
	db          database.DB
	logger      ectologger.Logger
}

// NewOrchestrator creates a new orchestrator. corrections and publisher may
// be nil; signaling and eventing degrade to logs.
func NewOrchestrator(
	cfg Config,
	descriptors DescriptorSource,
	rawRecords RawRecordStore,
	masters MasterStore,
	resolverEngine IdentityResolver,
	historyEngine HistoryApplier,
	scorer *quality.Scorer,
	quarantineRepo QuarantineStore,
	corrections *redis.CorrectionQueue,
	publisher GoldenEventPublisher,
	db database.DB,
	logger ectologger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg.withDefaults(),
		descriptors: descriptors,
		rawRecords:  rawRecords,
		masters:     masters,
		resolver:    resolverEngine,
		history:     historyEngine,
		scorer:      scorer,
		quarantine:  quarantineRepo,
		corrections: corrections,
		publisher:   publisher,
		db:          db,
		logger:      logger,
	}
}

// workItem is one resolved record awaiting history application
type workItem struct {
	index      int
	record     *models.NormalizedRecord
	descriptor *models.TableDescriptor
	masterID   string
}

// ProcessBatch runs one batch to completion. One bad record never aborts the
// batch; it is quarantined with full context and the rest proceeds. The run
// always reports {applied, quarantined, noops}.
func (o *Orchestrator) ProcessBatch(ctx context.Context, tenantID string, records []*models.RawRecord) (*models.BatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "conformance.Orchestrator.ProcessBatch")
	defer span.End()

	batchID := uuid.New().String()
	ctx = ferncontext.SetBatchID(ctx, batchID)
	start := time.Now()

	log := o.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id":  batchID,
		"tenant_id": tenantID,
		"records":   len(records),
	})
	log.Info("Starting batch")

	result := &models.BatchResult{BatchID: batchID}
	var mu sync.Mutex

	// single resolution pass; the session is the in-flight candidate table
	session := resolver.NewSession()
	items := make([]workItem, 0, len(records))
	for i, raw := range records {
		item, ok := o.prepare(ctx, tenantID, i, raw, session, true, result, &mu)
		if ok {
			items = append(items, item)
		}
	}

	// apply in event order so a batch delivered out of order does not
	// spuriously reject the earlier event; partitions inherit the order
	sortItems(items)

	// partition by master hash; one worker owns all of a master's updates
	partitions := make([][]workItem, o.cfg.WorkerCount)
	for _, item := range items {
		p := partition(item.masterID, o.cfg.WorkerCount)
		partitions[p] = append(partitions[p], item)
	}

	var wg sync.WaitGroup
	for _, part := range partitions {
		if len(part) == 0 {
			continue
		}
		wg.Add(1)
		go func(part []workItem) {
			defer wg.Done()
			for _, item := range part {
				if ctx.Err() != nil {
					o.quarantineItem(ctx, tenantID, item, "orchestrator", "cancelled", ctx.Err().Error(), result, &mu)
					continue
				}
				o.applyItem(ctx, tenantID, item, result, &mu)
			}
		}(part)
	}
	wg.Wait()

	result.Duration = time.Since(start)
	metrics.BatchDuration.WithLabelValues(tenantID).Observe(result.Duration.Seconds())
	log.WithFields(map[string]any{
		"applied":     result.Applied,
		"quarantined": result.Quarantined,
		"noops":       result.NoOps,
		"duration":    result.Duration,
	}).Info("Batch complete")

	return result, nil
}

// Replay re-runs one already-persisted bronze record through the engine.
// This is the quarantine requeue path; the raw record is not inserted again.
func (o *Orchestrator) Replay(ctx context.Context, tenantID string, raw *models.RawRecord) (*models.BatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "conformance.Orchestrator.Replay")
	defer span.End()

	batchID := uuid.New().String()
	ctx = ferncontext.SetBatchID(ctx, batchID)
	start := time.Now()

	result := &models.BatchResult{BatchID: batchID}
	var mu sync.Mutex

	item, ok := o.prepare(ctx, tenantID, 0, raw, resolver.NewSession(), false, result, &mu)
	if ok {
		o.applyItem(ctx, tenantID, item, result, &mu)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// prepare persists the raw record and runs normalize + resolve serially.
func (o *Orchestrator) prepare(ctx context.Context, tenantID string, index int, raw *models.RawRecord, session *resolver.Session, persist bool, result *models.BatchResult, mu *sync.Mutex) (workItem, bool) {
	raw.TenantID = tenantID
	if persist {
		if err := o.rawRecords.Insert(ctx, raw); err != nil {
			o.quarantineRaw(ctx, tenantID, raw, nil, "ingest", "persistence_error", err.Error(), result, mu)
			return workItem{}, false
		}
	}

	desc, err := o.descriptors.GetByEntityType(ctx, tenantID, raw.EntityType)
	if err != nil {
		o.quarantineRaw(ctx, tenantID, raw, nil, "normalizer", "validation_error", err.Error(), result, mu)
		return workItem{}, false
	}

	rec, _ := normalizer.Normalize(raw, desc)
	if rec.NaturalKey == "" {
		o.quarantineRaw(ctx, tenantID, raw, nil, "normalizer", "validation_error", "record has no natural key", result, mu)
		return workItem{}, false
	}

	resolution, err := o.resolver.Resolve(ctx, desc, rec, session)
	if err != nil {
		var ambiguous *models.AmbiguousMatchError
		if errors.As(err, &ambiguous) {
			o.quarantineRaw(ctx, tenantID, raw, map[string]any{"masters": ambiguous.MasterIDs, "confidence": ambiguous.Confidence}, "resolver", "ambiguous_match", ambiguous.Error(), result, mu)
		} else {
			o.quarantineRaw(ctx, tenantID, raw, nil, "resolver", "persistence_error", err.Error(), result, mu)
		}
		return workItem{}, false
	}

	metrics.DedupConfidence.WithLabelValues(tenantID, raw.EntityType, string(resolution.Basis)).Observe(float64(resolution.Confidence))

	return workItem{
		index:      index,
		record:     rec,
		descriptor: desc,
		masterID:   resolution.MasterID,
	}, true
}

// applyItem scores and applies one record under the per-record timeout,
// retrying persistence failures with fibonacci backoff.
func (o *Orchestrator) applyItem(ctx context.Context, tenantID string, item workItem, result *models.BatchResult, mu *sync.Mutex) {
	metrics.EntitiesInFlight.Inc()
	defer metrics.EntitiesInFlight.Dec()

	score, violations := o.scorer.Score(item.record, item.descriptor)
	metrics.QualityScore.WithLabelValues(tenantID, item.record.EntityType).Observe(float64(score))

	recCtx, cancel := context.WithTimeout(ctx, o.cfg.RecordTimeout)
	defer cancel()

	var transition *models.Transition
	var err error

	a, b := 1, 1
	for attempt := 1; attempt <= o.cfg.PersistMaxAttempts; attempt++ {
		transition, err = o.applyOnce(recCtx, tenantID, item, score, violations)
		if err == nil {
			break
		}

		var persistence *models.PersistenceError
		if !errors.As(err, &persistence) {
			break
		}
		if attempt == o.cfg.PersistMaxAttempts {
			break
		}

		metrics.PersistenceRetriesTotal.WithLabelValues(tenantID).Inc()
		o.logger.WithContext(recCtx).WithError(err).WithFields(map[string]any{"master_id": item.masterID, "attempt": attempt}).Warn("Retrying entity persist")

		select {
		case <-recCtx.Done():
			err = recCtx.Err()
		case <-time.After(time.Duration(a) * o.cfg.RetryBackoffBase):
			a, b = b, a+b
			continue
		}
		break
	}

	if err != nil {
		o.handleApplyError(ctx, tenantID, item, err, result, mu)
		return
	}

	mu.Lock()
	switch transition.Kind {
	case models.TransitionNoOp:
		result.NoOps++
	default:
		result.Applied++
	}
	mu.Unlock()

	outcome := "applied"
	if transition.Kind == models.TransitionNoOp {
		outcome = "noop"
	}
	metrics.RecordsProcessedTotal.WithLabelValues(tenantID, item.record.EntityType, outcome).Inc()

	if transition.Kind != models.TransitionNoOp && o.publisher != nil {
		if err := o.publisher.PublishTransition(ctx, tenantID, item.record.EntityType, item.masterID, transition); err != nil {
			o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"master_id": item.masterID}).Warn("Failed to publish golden change event")
		}
	}
}

// applyOnce commits one entity's update as a single atomic unit: the history
// transition and the master touch share a transaction.
func (o *Orchestrator) applyOnce(ctx context.Context, tenantID string, item workItem, score int, violations []models.RuleViolation) (*models.Transition, error) {
	ctx, tx, err := o.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, &models.PersistenceError{Op: "begin entity transaction", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	transition, err := o.history.Apply(ctx, item.descriptor, item.masterID, item.record, score, violations)
	if err != nil {
		return nil, err
	}

	if transition.Kind != models.TransitionNoOp {
		if err := o.masters.Touch(ctx, tenantID, item.masterID); err != nil {
			return nil, &models.PersistenceError{Op: "touch master", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &models.PersistenceError{Op: "commit entity transaction", Err: err}
	}
	return transition, nil
}

func (o *Orchestrator) handleApplyError(ctx context.Context, tenantID string, item workItem, err error, result *models.BatchResult, mu *sync.Mutex) {
	var outOfOrder *models.OutOfOrderError
	switch {
	case errors.As(err, &outOfOrder):
		o.quarantineItem(ctx, tenantID, item, "history", "out_of_order", err.Error(), result, mu)
		o.signalCorrection(ctx, tenantID, item, "out_of_order")
	case errors.Is(err, context.DeadlineExceeded):
		o.quarantineItem(ctx, tenantID, item, "orchestrator", "timeout", fmt.Sprintf("record processing exceeded %s", o.cfg.RecordTimeout), result, mu)
	default:
		o.quarantineItem(ctx, tenantID, item, "orchestrator", "persistence_error", err.Error(), result, mu)
	}
}

func (o *Orchestrator) quarantineItem(ctx context.Context, tenantID string, item workItem, component, errorClass, reason string, result *models.BatchResult, mu *sync.Mutex) {
	masterID := item.masterID
	rec := &models.QuarantineRecord{
		TenantID:    tenantID,
		RawRecordID: item.record.RawRecordID,
		EntityType:  item.record.EntityType,
		NaturalKey:  item.record.NaturalKey,
		MasterID:    &masterID,
		Component:   component,
		ErrorClass:  errorClass,
		Reason:      reason,
		Context: database.NewJSONB(map[string]any{
			"as_of":              item.record.AsOf,
			"ingestion_sequence": item.record.IngestionSequence,
			"record_hash":        item.record.RecordHash,
		}),
	}
	o.insertQuarantine(ctx, tenantID, item.record.EntityType, rec, result, mu)
}

func (o *Orchestrator) quarantineRaw(ctx context.Context, tenantID string, raw *models.RawRecord, extra map[string]any, component, errorClass, reason string, result *models.BatchResult, mu *sync.Mutex) {
	diag := map[string]any{
		"source_system":      raw.SourceSystem,
		"source_table":       raw.SourceTable,
		"ingestion_sequence": raw.IngestionSequence,
		"payload":            raw.Payload.Data,
	}
	for k, v := range extra {
		diag[k] = v
	}

	rec := &models.QuarantineRecord{
		TenantID:    tenantID,
		RawRecordID: raw.ID,
		EntityType:  raw.EntityType,
		NaturalKey:  raw.NaturalKeyString(),
		Component:   component,
		ErrorClass:  errorClass,
		Reason:      reason,
		Context:     database.NewJSONB(diag),
	}
	o.insertQuarantine(ctx, tenantID, raw.EntityType, rec, result, mu)
}

func (o *Orchestrator) insertQuarantine(ctx context.Context, tenantID, entityType string, rec *models.QuarantineRecord, result *models.BatchResult, mu *sync.Mutex) {
	if err := o.quarantine.Insert(ctx, rec); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"raw_record_id": rec.RawRecordID}).Error("Failed to quarantine record")
	}

	mu.Lock()
	result.Quarantined++
	mu.Unlock()

	metrics.RecordsProcessedTotal.WithLabelValues(tenantID, entityType, "quarantined").Inc()
	metrics.QuarantineTotal.WithLabelValues(tenantID, entityType, rec.ErrorClass).Inc()
}

func (o *Orchestrator) signalCorrection(ctx context.Context, tenantID string, item workItem, errorClass string) {
	if o.corrections == nil {
		return
	}
	entry := &redis.CorrectionEntry{
		TenantID:    tenantID,
		RawRecordID: item.record.RawRecordID,
		EntityType:  item.record.EntityType,
		ErrorClass:  errorClass,
	}
	if _, err := o.corrections.Add(ctx, entry); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Failed to signal correction queue")
	}
}

// sortItems orders work by (as_of, ingestion_sequence), input order as the
// final tiebreak. Timeline rebuilds sort the same way.
func sortItems(items []workItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].record, items[j].record
		if !a.AsOf.Equal(b.AsOf) {
			return a.AsOf.Before(b.AsOf)
		}
		if a.IngestionSequence != b.IngestionSequence {
			return a.IngestionSequence < b.IngestionSequence
		}
		return items[i].index < items[j].index
	})
}

func partition(masterID string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(masterID))
	return int(h.Sum32() % uint32(workers))
}
