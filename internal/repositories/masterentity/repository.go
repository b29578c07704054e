package masterentity

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
	"id", "tenant_id", "entity_type", "status", "merged_into_id",
	"first_seen_at", "last_resolved_at", "created_at", "updated_at",
}

// Repository handles master entity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new master entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB returns the underlying database for transaction scoping
func (r *Repository) DB() database.DB {
	return r.db
}

// Create inserts a new active master with the given ID.
func (r *Repository) Create(ctx context.Context, tenantID, entityType, masterID string) (*models.MasterEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "masterentity.Repository.Create")
	defer span.End()

	if masterID == "" {
		masterID = uuid.New().String()
	}
	now := time.Now().UTC()

	master := &models.MasterEntity{
		ID:             masterID,
		TenantID:       tenantID,
		EntityType:     entityType,
		Status:         models.MasterStatusActive,
		FirstSeenAt:    now,
		LastResolvedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	q := database.QuerierFromContext(ctx, r.db)
	query := `
		INSERT INTO master_entities (
			id, tenant_id, entity_type, status, merged_into_id,
			first_seen_at, last_resolved_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := q.ExecContext(ctx, query,
		master.ID, master.TenantID, master.EntityType, master.Status,
		master.FirstSeenAt, master.LastResolvedAt, master.CreatedAt, master.UpdatedAt,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_type": entityType, "master_id": masterID}).Error("Failed to create master entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create master entity")
	}

	return master, nil
}

// Get retrieves a master entity by ID
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.MasterEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "masterentity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("master_entities")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var master models.MasterEntity
	if err := r.db.GetContext(ctx, &master, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "master %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to get master entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get master entity")
	}
	return &master, nil
}

// Touch records that the master was resolved again.
func (r *Repository) Touch(ctx context.Context, tenantID, id string) error {
	ctx, span := tracing.StartSpan(ctx, "masterentity.Repository.Touch")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("master_entities")
	sb.Set(sb.Assign("last_resolved_at", now), sb.Assign("updated_at", now))
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to touch master entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update master entity")
	}
	return nil
}

// SetStatus transitions the master's lifecycle state. mergedIntoID is set
// only for the merged status.
func (r *Repository) SetStatus(ctx context.Context, tenantID, id string, status models.MasterStatus, mergedIntoID *string) error {
	ctx, span := tracing.StartSpan(ctx, "masterentity.Repository.SetStatus")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("master_entities")
	sb.Set(
		sb.Assign("status", status),
		sb.Assign("merged_into_id", mergedIntoID),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID, "status": status}).Error("Failed to set master entity status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update master entity")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "status": status}).Info("Master entity status changed")
	return nil
}
