package history

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

type memTx struct{ database.Tx }

func (memTx) Commit() error   { return nil }
func (memTx) Rollback() error { return nil }

type memDB struct{ database.DB }

func (memDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, memTx{}, nil
}

// memVersionStore keeps timelines in memory with the repository's semantics:
// latest is the highest version number, a partial unique on is_current.
type memVersionStore struct {
	rows   map[string][]*models.GoldenVersion
	nextID int
}

func newMemVersionStore() *memVersionStore {
	return &memVersionStore{rows: make(map[string][]*models.GoldenVersion)}
}

func (s *memVersionStore) DB() database.DB { return memDB{} }

func (s *memVersionStore) GetLatest(ctx context.Context, tenantID, masterID string) (*models.GoldenVersion, error) {
	var latest *models.GoldenVersion
	for _, v := range s.rows[masterID] {
		if latest == nil || v.VersionNumber > latest.VersionNumber {
			latest = v
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

func (s *memVersionStore) Insert(ctx context.Context, version *models.GoldenVersion) error {
	s.nextID++
	version.ID = fmt.Sprintf("v-%d", s.nextID)
	c := *version
	s.rows[version.MasterID] = append(s.rows[version.MasterID], &c)
	return nil
}

func (s *memVersionStore) CloseCurrent(ctx context.Context, tenantID, masterID string, effectiveEnd time.Time) (int64, error) {
	var closed int64
	for _, v := range s.rows[masterID] {
		if v.IsCurrent {
			v.IsCurrent = false
			v.EffectiveEnd = effectiveEnd
			closed++
		}
	}
	return closed, nil
}

func (s *memVersionStore) OverwriteCurrent(ctx context.Context, version *models.GoldenVersion) error {
	for i, v := range s.rows[version.MasterID] {
		if v.ID == version.ID {
			c := *version
			s.rows[version.MasterID][i] = &c
			return nil
		}
	}
	return fmt.Errorf("version %s not found", version.ID)
}

func (s *memVersionStore) DeleteByMaster(ctx context.Context, tenantID, masterID string) (int64, error) {
	n := int64(len(s.rows[masterID]))
	delete(s.rows, masterID)
	return n, nil
}

func (s *memVersionStore) currentCount(masterID string) int {
	n := 0
	for _, v := range s.rows[masterID] {
		if v.IsCurrent {
			n++
		}
	}
	return n
}

func historyRecord(hash string, asOf time.Time, seq int64, op models.CDCOperation) *models.NormalizedRecord {
	return &models.NormalizedRecord{
		RawRecordID:       "raw-" + hash,
		TenantID:          "tenant-1",
		EntityType:        "customer",
		NaturalKey:        "customer_id=C-100",
		Attributes:        map[string]any{"h": hash},
		RecordHash:        hash,
		CDCOperation:      op,
		AsOf:              asOf,
		IngestionSequence: seq,
	}
}

func scd2Descriptor() *models.TableDescriptor {
	return &models.TableDescriptor{TenantID: "tenant-1", EntityType: "customer", SCDType: models.SCDType2}
}

func newHistoryEngine() (*Engine, *memVersionStore) {
	store := newMemVersionStore()
	logger := ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {})
	return NewEngine(store, logger), store
}

var day1 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
var day2 = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
var day3 = time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)

func TestEngine_Apply_FirstVersion(t *testing.T) {
	engine, store := newHistoryEngine()
	desc := scd2Descriptor()

	tr, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day1, 1, models.CDCInsert), 90, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TransitionFirstVersion, tr.Kind)
	require.NotNil(t, tr.Opened)
	assert.Equal(t, 1, tr.Opened.VersionNumber)
	assert.Equal(t, day1, tr.Opened.EffectiveStart)
	assert.Equal(t, models.MaxDate, tr.Opened.EffectiveEnd)
	assert.True(t, tr.Opened.IsCurrent)
	assert.Equal(t, 90, tr.Opened.DataQualityScore)
	assert.Equal(t, 1, store.currentCount("m1"))
}

func TestEngine_Apply_IdempotentReplay(t *testing.T) {
	engine, store := newHistoryEngine()
	desc := scd2Descriptor()
	rec := historyRecord("h1", day1, 1, models.CDCInsert)

	_, err := engine.Apply(context.Background(), desc, "m1", rec, 90, nil)
	require.NoError(t, err)

	// the same event again, and the same payload with a later as-of
	tr, err := engine.Apply(context.Background(), desc, "m1", rec, 90, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TransitionNoOp, tr.Kind)

	tr, err = engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day2, 2, models.CDCUpdate), 90, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TransitionNoOp, tr.Kind)

	assert.Len(t, store.rows["m1"], 1)
	assert.Equal(t, 1, store.currentCount("m1"))
}

func TestEngine_Apply_Supersede(t *testing.T) {
	engine, store := newHistoryEngine()
	desc := scd2Descriptor()

	_, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day1, 1, models.CDCInsert), 90, nil)
	require.NoError(t, err)

	tr, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h2", day2, 2, models.CDCUpdate), 85, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TransitionNewVersion, tr.Kind)
	require.NotNil(t, tr.Closed)
	require.NotNil(t, tr.Opened)
	assert.Equal(t, 2, tr.Opened.VersionNumber)

	// gap-free: the closed row ends exactly where the successor starts
	assert.Equal(t, tr.Opened.EffectiveStart, tr.Closed.EffectiveEnd)
	assert.False(t, tr.Closed.IsCurrent)
	assert.Equal(t, 1, store.currentCount("m1"))
}

func TestEngine_Apply_OutOfOrder(t *testing.T) {
	engine, store := newHistoryEngine()
	desc := scd2Descriptor()

	_, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h2", day2, 5, models.CDCInsert), 90, nil)
	require.NoError(t, err)

	t.Run("earlier as_of rejected", func(t *testing.T) {
		_, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day1, 6, models.CDCUpdate), 90, nil)
		var outOfOrder *models.OutOfOrderError
		require.ErrorAs(t, err, &outOfOrder)
		assert.Equal(t, "m1", outOfOrder.MasterID)
		assert.Equal(t, day2, outOfOrder.CurrentStart)
	})

	t.Run("same as_of with non-later sequence rejected", func(t *testing.T) {
		_, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h3", day2, 5, models.CDCUpdate), 90, nil)
		var outOfOrder *models.OutOfOrderError
		require.ErrorAs(t, err, &outOfOrder)
	})

	t.Run("same as_of with later sequence supersedes", func(t *testing.T) {
		tr, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h3", day2, 6, models.CDCUpdate), 90, nil)
		require.NoError(t, err)
		assert.Equal(t, models.TransitionNewVersion, tr.Kind)
	})

	// nothing extra was written by the rejected events
	assert.Len(t, store.rows["m1"], 2)
	assert.Equal(t, 1, store.currentCount("m1"))
}

func TestEngine_Apply_Delete(t *testing.T) {
	desc := scd2Descriptor()

	t.Run("closes current with no successor", func(t *testing.T) {
		engine, store := newHistoryEngine()
		_, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day1, 1, models.CDCInsert), 90, nil)
		require.NoError(t, err)

		tr, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day2, 2, models.CDCDelete), 90, nil)
		require.NoError(t, err)

		assert.Equal(t, models.TransitionClose, tr.Kind)
		require.NotNil(t, tr.Closed)
		assert.Equal(t, day2, tr.Closed.EffectiveEnd)
		assert.Nil(t, tr.Opened)

		// history retained, no current row
		assert.Len(t, store.rows["m1"], 1)
		assert.Equal(t, 0, store.currentCount("m1"))
	})

	t.Run("delete with no history is a noop", func(t *testing.T) {
		engine, store := newHistoryEngine()
		tr, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day1, 1, models.CDCDelete), 90, nil)
		require.NoError(t, err)
		assert.Equal(t, models.TransitionNoOp, tr.Kind)
		assert.Empty(t, store.rows["m1"])
	})

	t.Run("replayed delete after close is a noop", func(t *testing.T) {
		engine, store := newHistoryEngine()
		_, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day1, 1, models.CDCInsert), 90, nil)
		require.NoError(t, err)
		_, err = engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day2, 2, models.CDCDelete), 90, nil)
		require.NoError(t, err)

		tr, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day3, 3, models.CDCDelete), 90, nil)
		require.NoError(t, err)
		assert.Equal(t, models.TransitionNoOp, tr.Kind)
		assert.Len(t, store.rows["m1"], 1)
	})
}

func TestEngine_Apply_Type1Overwrite(t *testing.T) {
	engine, store := newHistoryEngine()
	desc := scd2Descriptor()
	desc.SCDType = models.SCDType1

	_, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day1, 1, models.CDCInsert), 90, nil)
	require.NoError(t, err)

	tr, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h2", day2, 2, models.CDCUpdate), 85, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TransitionOverwrite, tr.Kind)
	require.NotNil(t, tr.Opened)
	assert.Equal(t, 1, tr.Opened.VersionNumber)

	// single row, rewritten in place
	require.Len(t, store.rows["m1"], 1)
	assert.Equal(t, "h2", store.rows["m1"][0].RecordHash)
	assert.Equal(t, 1, store.currentCount("m1"))
}

func TestEngine_Rederive(t *testing.T) {
	engine, store := newHistoryEngine()
	desc := scd2Descriptor()

	// seed a timeline that a backfill will rewrite
	_, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h3", day3, 3, models.CDCInsert), 90, nil)
	require.NoError(t, err)

	items := []RederiveItem{
		{Record: historyRecord("h1", day1, 1, models.CDCInsert), Score: 90},
		{Record: historyRecord("h2", day2, 2, models.CDCUpdate), Score: 90},
		{Record: historyRecord("h2", day2, 2, models.CDCUpdate), Score: 90},
		{Record: historyRecord("h3", day3, 3, models.CDCUpdate), Score: 90},
	}
	applied, err := engine.Rederive(context.Background(), desc, "tenant-1", "m1", items)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	rows := store.rows["m1"]
	require.Len(t, rows, 3)
	assert.Equal(t, 1, store.currentCount("m1"))

	// gap-free chain in version order
	assert.Equal(t, rows[0].EffectiveEnd, rows[1].EffectiveStart)
	assert.Equal(t, rows[1].EffectiveEnd, rows[2].EffectiveStart)
	assert.True(t, rows[2].IsCurrent)
	assert.Equal(t, models.MaxDate, rows[2].EffectiveEnd)
}

func TestEngine_Close(t *testing.T) {
	engine, store := newHistoryEngine()
	desc := scd2Descriptor()

	_, err := engine.Apply(context.Background(), desc, "m1", historyRecord("h1", day1, 1, models.CDCInsert), 90, nil)
	require.NoError(t, err)

	closed, err := engine.Close(context.Background(), "tenant-1", "m1", day2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), closed)
	assert.Equal(t, 0, store.currentCount("m1"))
	assert.Equal(t, day2, store.rows["m1"][0].EffectiveEnd)
}
