package naturalkey

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var columns = []string{
	"id", "tenant_id", "entity_type", "natural_key", "master_id",
	"source_system", "created_at",
}

// Repository maintains the natural-key index. The unique constraint on
// (tenant_id, entity_type, natural_key) backs atomic master allocation.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new natural key repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Lookup returns the master a natural key resolves to, or nil when unclaimed.
func (r *Repository) Lookup(ctx context.Context, tenantID, entityType, naturalKey string) (*models.NaturalKeyEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "naturalkey.Repository.Lookup")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("natural_keys")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.Equal("natural_key", naturalKey),
	)

	query, args := sb.Build()
	var entry models.NaturalKeyEntry
	if err := r.db.GetContext(ctx, &entry, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_type": entityType, "natural_key": naturalKey}).Error("Failed to look up natural key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up natural key")
	}
	return &entry, nil
}

// Reserve claims the natural key for masterID if no one holds it yet.
// Returns the winning entry and whether this call claimed it. Two concurrent
// reservations of the same key race on the unique index; exactly one wins and
// the loser reads the winner's master. This is the reserve-if-absent primitive
// that prevents dual master allocation.
func (r *Repository) Reserve(ctx context.Context, tenantID, entityType, naturalKey, masterID, sourceSystem string) (*models.NaturalKeyEntry, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "naturalkey.Repository.Reserve")
	defer span.End()

	now := time.Now().UTC()
	query := `
		INSERT INTO natural_keys (
			id, tenant_id, entity_type, natural_key, master_id, source_system, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, entity_type, natural_key) DO NOTHING
		RETURNING id, tenant_id, entity_type, natural_key, master_id, source_system, created_at
	`

	var entry models.NaturalKeyEntry
	err := r.db.GetContext(ctx, &entry, query,
		uuid.New().String(), tenantID, entityType, naturalKey, masterID, sourceSystem, now,
	)
	if err == nil {
		return &entry, true, nil
	}
	if err.Error() != "sql: no rows in result set" {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_type": entityType, "natural_key": naturalKey, "master_id": masterID}).Error("Failed to reserve natural key")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reserve natural key")
	}

	// Lost the race; read the existing claim.
	existing, err := r.Lookup(ctx, tenantID, entityType, naturalKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "natural key reservation conflict with no existing entry")
	}
	return existing, false, nil
}

// ListByMaster returns every natural key resolved to a master.
func (r *Repository) ListByMaster(ctx context.Context, tenantID, masterID string) ([]models.NaturalKeyEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "naturalkey.Repository.ListByMaster")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("natural_keys")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("master_id", masterID),
	)
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var entries []models.NaturalKeyEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "master_id": masterID}).Error("Failed to list natural keys by master")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list natural keys")
	}
	return entries, nil
}

// Repoint moves the given natural keys onto another master. Used by the
// merge and split operator commands.
func (r *Repository) Repoint(ctx context.Context, tenantID string, naturalKeys []string, toMasterID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "naturalkey.Repository.Repoint")
	defer span.End()

	if len(naturalKeys) == 0 {
		return 0, nil
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("natural_keys")
	sb.Set(sb.Assign("master_id", toMasterID))
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.In("natural_key", sqlbuilder.Flatten(naturalKeys)...),
	)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "to_master_id": toMasterID, "key_count": len(naturalKeys)}).Error("Failed to repoint natural keys")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint natural keys")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// RepointMaster moves every key on fromMasterID onto toMasterID.
func (r *Repository) RepointMaster(ctx context.Context, tenantID, fromMasterID, toMasterID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "naturalkey.Repository.RepointMaster")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("natural_keys")
	sb.Set(sb.Assign("master_id", toMasterID))
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("master_id", fromMasterID),
	)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "from_master_id": fromMasterID, "to_master_id": toMasterID}).Error("Failed to repoint master natural keys")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint natural keys")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
