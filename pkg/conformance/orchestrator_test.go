package conformance

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quality"
	"github.com/Ramsey-B/fern/pkg/resolver"
)

type stubTx struct{ database.Tx }

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type stubDB struct{ database.DB }

func (stubDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, stubTx{}, nil
}

type stubDescriptors struct {
	descs map[string]*models.TableDescriptor
}

func (s *stubDescriptors) GetByEntityType(ctx context.Context, tenantID, entityType string) (*models.TableDescriptor, error) {
	d, ok := s.descs[entityType]
	if !ok {
		return nil, fmt.Errorf("no active descriptor for entity type '%s'", entityType)
	}
	return d, nil
}

type stubRawRecords struct {
	inserted int
}

func (s *stubRawRecords) Insert(ctx context.Context, rec *models.RawRecord) error {
	s.inserted++
	rec.ID = fmt.Sprintf("raw-%d", s.inserted)
	return nil
}

type stubMasters struct {
	mu      sync.Mutex
	touched map[string]int
}

func (s *stubMasters) Touch(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touched == nil {
		s.touched = make(map[string]int)
	}
	s.touched[id]++
	return nil
}

// stubResolver assigns one master per (entity type, natural key), like the
// real engine's exact path, without the stored indexes.
type stubResolver struct {
	assignments map[string]string
	ambiguous   map[string]*models.AmbiguousMatchError
	next        int
}

func (s *stubResolver) Resolve(ctx context.Context, desc *models.TableDescriptor, rec *models.NormalizedRecord, session *resolver.Session) (*models.Resolution, error) {
	key := rec.EntityType + "|" + rec.NaturalKey
	if ambiguous, ok := s.ambiguous[key]; ok {
		return nil, ambiguous
	}
	if masterID, ok := s.assignments[key]; ok {
		return &models.Resolution{MasterID: masterID, Basis: models.MatchBasisExact, Confidence: 100}, nil
	}
	s.next++
	masterID := fmt.Sprintf("m-%d", s.next)
	if s.assignments == nil {
		s.assignments = make(map[string]string)
	}
	s.assignments[key] = masterID
	return &models.Resolution{MasterID: masterID, Basis: models.MatchBasisNew, NewMaster: true}, nil
}

type appliedEvent struct {
	hash string
	asOf time.Time
	seq  int64
}

// stubHistory mirrors the real decision order on an in-memory event log:
// equal hash is a noop, an earlier event is out of order.
type stubHistory struct {
	mu     sync.Mutex
	events map[string][]appliedEvent
}

func (s *stubHistory) Apply(ctx context.Context, desc *models.TableDescriptor, masterID string, rec *models.NormalizedRecord, score int, violations []models.RuleViolation) (*models.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(map[string][]appliedEvent)
	}

	events := s.events[masterID]
	kind := models.TransitionFirstVersion
	if len(events) > 0 {
		last := events[len(events)-1]
		if last.hash == rec.RecordHash {
			return &models.Transition{Kind: models.TransitionNoOp}, nil
		}
		if rec.AsOf.Before(last.asOf) || (rec.AsOf.Equal(last.asOf) && rec.IngestionSequence <= last.seq) {
			return nil, &models.OutOfOrderError{MasterID: masterID, AsOf: rec.AsOf, CurrentStart: last.asOf}
		}
		kind = models.TransitionNewVersion
	}

	s.events[masterID] = append(events, appliedEvent{rec.RecordHash, rec.AsOf, rec.IngestionSequence})
	return &models.Transition{Kind: kind, Opened: &models.GoldenVersion{MasterID: masterID, RecordHash: rec.RecordHash}}, nil
}

type stubQuarantine struct {
	mu   sync.Mutex
	rows []*models.QuarantineRecord
}

func (s *stubQuarantine) Insert(ctx context.Context, rec *models.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rec)
	return nil
}

type stubPublisher struct {
	mu     sync.Mutex
	events int
}

func (s *stubPublisher) PublishTransition(ctx context.Context, tenantID, entityType, masterID string, transition *models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events++
	return nil
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	raws         *stubRawRecords
	masters      *stubMasters
	resolver     *stubResolver
	history      *stubHistory
	quarantined  *stubQuarantine
	publisher    *stubPublisher
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	desc := &models.TableDescriptor{
		TenantID:   "tenant-1",
		EntityType: "customer",
		Columns: database.NewJSONB([]models.ColumnDefinition{
			{Name: "first_name", Type: models.ColumnTypeString, Required: true},
		}),
		NaturalKeyFields: database.NewJSONB([]string{"customer_id"}),
		SCDType:          models.SCDType2,
	}

	f := &orchestratorFixture{
		raws:        &stubRawRecords{},
		masters:     &stubMasters{},
		resolver:    &stubResolver{},
		history:     &stubHistory{},
		quarantined: &stubQuarantine{},
		publisher:   &stubPublisher{},
	}
	f.orchestrator = NewOrchestrator(
		Config{WorkerCount: 2},
		&stubDescriptors{descs: map[string]*models.TableDescriptor{"customer": desc}},
		f.raws,
		f.masters,
		f.resolver,
		f.history,
		quality.NewScorer(quality.NewEvaluator()),
		f.quarantined,
		nil,
		f.publisher,
		stubDB{},
		ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {}),
	)
	return f
}

func batchRecord(key, name string, asOf time.Time, seq int64) *models.RawRecord {
	return &models.RawRecord{
		SourceSystem: "crm",
		SourceTable:  "customers",
		EntityType:   "customer",
		NaturalKey: database.NewJSONB([]models.KeyPart{
			{Field: "customer_id", Value: key},
		}),
		Payload:           database.NewJSONB(map[string]any{"customer_id": key, "first_name": name}),
		CDCOperation:      models.CDCInsert,
		AsOf:              asOf,
		IngestionSequence: seq,
	}
}

func TestProcessBatch_Counts(t *testing.T) {
	f := newOrchestratorFixture(t)
	asOf := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	result, err := f.orchestrator.ProcessBatch(context.Background(), "tenant-1", []*models.RawRecord{
		batchRecord("C-1", "John", asOf, 1),
		batchRecord("C-1", "John", asOf.Add(time.Hour), 2), // identical payload, later event
		batchRecord("C-2", "Jane", asOf, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 1, result.NoOps)
	assert.Equal(t, 0, result.Quarantined)

	assert.Equal(t, 3, f.raws.inserted)
	assert.Len(t, f.masters.touched, 2)
	assert.Equal(t, 2, f.publisher.events)
	assert.Empty(t, f.quarantined.rows)
}

func TestProcessBatch_AppliesInEventOrder(t *testing.T) {
	f := newOrchestratorFixture(t)
	day1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	// the later event arrives first in the batch; both must apply
	result, err := f.orchestrator.ProcessBatch(context.Background(), "tenant-1", []*models.RawRecord{
		batchRecord("C-1", "Johnny", day2, 2),
		batchRecord("C-1", "John", day1, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 0, result.Quarantined)
	assert.Empty(t, f.quarantined.rows)

	events := f.history.events["m-1"]
	require.Len(t, events, 2)
	assert.True(t, events[0].asOf.Before(events[1].asOf))
}

func TestProcessBatch_AmbiguousMatchQuarantined(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.resolver.ambiguous = map[string]*models.AmbiguousMatchError{
		"customer|customer_id=C-1": {
			EntityType: "customer",
			NaturalKey: "customer_id=C-1",
			MasterIDs:  []string{"m-a", "m-b"},
			Confidence: 80,
		},
	}
	asOf := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	result, err := f.orchestrator.ProcessBatch(context.Background(), "tenant-1", []*models.RawRecord{
		batchRecord("C-1", "John", asOf, 1),
		batchRecord("C-2", "Jane", asOf, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, result.Quarantined)
	require.Len(t, f.quarantined.rows, 1)
	assert.Equal(t, "resolver", f.quarantined.rows[0].Component)
	assert.Equal(t, "ambiguous_match", f.quarantined.rows[0].ErrorClass)
	assert.Equal(t, []string{"m-a", "m-b"}, f.quarantined.rows[0].Context.Data["masters"])
}

func TestProcessBatch_MissingDescriptorQuarantined(t *testing.T) {
	f := newOrchestratorFixture(t)
	asOf := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	rec := batchRecord("L-1", "x", asOf, 1)
	rec.EntityType = "loan"

	result, err := f.orchestrator.ProcessBatch(context.Background(), "tenant-1", []*models.RawRecord{rec})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Applied)
	assert.Equal(t, 1, result.Quarantined)
	require.Len(t, f.quarantined.rows, 1)
	assert.Equal(t, "normalizer", f.quarantined.rows[0].Component)
	assert.Equal(t, "validation_error", f.quarantined.rows[0].ErrorClass)
}

func TestProcessBatch_EmptyNaturalKeyQuarantined(t *testing.T) {
	f := newOrchestratorFixture(t)
	asOf := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	rec := batchRecord("C-1", "John", asOf, 1)
	rec.NaturalKey = database.NewJSONB([]models.KeyPart{})

	result, err := f.orchestrator.ProcessBatch(context.Background(), "tenant-1", []*models.RawRecord{rec})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Quarantined)
	require.Len(t, f.quarantined.rows, 1)
	assert.Equal(t, "validation_error", f.quarantined.rows[0].ErrorClass)
}

func TestProcessBatch_OutOfOrderAgainstStoredState(t *testing.T) {
	f := newOrchestratorFixture(t)
	day1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	_, err := f.orchestrator.ProcessBatch(context.Background(), "tenant-1", []*models.RawRecord{
		batchRecord("C-1", "Johnny", day2, 2),
	})
	require.NoError(t, err)

	// a later batch carrying an older event is quarantined, not applied
	result, err := f.orchestrator.ProcessBatch(context.Background(), "tenant-1", []*models.RawRecord{
		batchRecord("C-1", "John", day1, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Applied)
	assert.Equal(t, 1, result.Quarantined)
	require.Len(t, f.quarantined.rows, 1)
	assert.Equal(t, "history", f.quarantined.rows[0].Component)
	assert.Equal(t, "out_of_order", f.quarantined.rows[0].ErrorClass)
}

func TestReplay_DoesNotReinsertRaw(t *testing.T) {
	f := newOrchestratorFixture(t)
	asOf := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	rec := batchRecord("C-1", "John", asOf, 1)
	rec.ID = "raw-existing"

	result, err := f.orchestrator.Replay(context.Background(), "tenant-1", rec)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 0, f.raws.inserted)
}

func TestPartition(t *testing.T) {
	t.Run("stable for the same master", func(t *testing.T) {
		assert.Equal(t, partition("master-1", 4), partition("master-1", 4))
	})

	t.Run("stays within worker bounds", func(t *testing.T) {
		for _, id := range []string{"a", "b", "c", "master-1", "master-2", ""} {
			p := partition(id, 4)
			assert.GreaterOrEqual(t, p, 0)
			assert.Less(t, p, 4)
		}
	})

	t.Run("single worker takes everything", func(t *testing.T) {
		assert.Equal(t, 0, partition("master-1", 1))
		assert.Equal(t, 0, partition("master-2", 1))
	})
}

func TestSortItems(t *testing.T) {
	day1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	items := []workItem{
		{index: 0, record: &models.NormalizedRecord{AsOf: day2, IngestionSequence: 3}},
		{index: 1, record: &models.NormalizedRecord{AsOf: day1, IngestionSequence: 2}},
		{index: 2, record: &models.NormalizedRecord{AsOf: day1, IngestionSequence: 1}},
		{index: 3, record: &models.NormalizedRecord{AsOf: day1, IngestionSequence: 1}},
	}
	sortItems(items)

	assert.Equal(t, []int{2, 3, 1, 0}, []int{items[0].index, items[1].index, items[2].index, items[3].index})
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 3, cfg.PersistMaxAttempts)
	assert.NotZero(t, cfg.RecordTimeout)
	assert.NotZero(t, cfg.RetryBackoffBase)

	custom := Config{WorkerCount: 8, PersistMaxAttempts: 5}.withDefaults()
	assert.Equal(t, 8, custom.WorkerCount)
	assert.Equal(t, 5, custom.PersistMaxAttempts)
}
