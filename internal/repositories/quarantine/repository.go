package quarantine

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
	"id", "tenant_id", "raw_record_id", "entity_type", "natural_key",
	"master_id", "component", "error_class", "reason", "context",
	"status", "created_at", "updated_at",
}

// Repository handles quarantine persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new quarantine repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert quarantines one record with full diagnostic context
func (r *Repository) Insert(ctx context.Context, rec *models.QuarantineRecord) error {
	ctx, span := tracing.StartSpan(ctx, "quarantine.Repository.Insert")
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = models.QuarantineStatusPending
	}

	q := database.QuerierFromContext(ctx, r.db)
	query := `
		INSERT INTO quarantine_records (
			id, tenant_id, raw_record_id, entity_type, natural_key,
			master_id, component, error_class, reason, context,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err := q.ExecContext(ctx, query,
		rec.ID, rec.TenantID, rec.RawRecordID, rec.EntityType, rec.NaturalKey,
		rec.MasterID, rec.Component, rec.ErrorClass, rec.Reason, rec.Context,
		rec.Status, rec.CreatedAt, rec.UpdatedAt,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": rec.TenantID, "raw_record_id": rec.RawRecordID, "error_class": rec.ErrorClass}).Error("Failed to insert quarantine record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert quarantine record")
	}
	return nil
}

// Get retrieves a quarantine record by ID
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.QuarantineRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "quarantine.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("quarantine_records")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var rec models.QuarantineRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "quarantine record %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to get quarantine record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get quarantine record")
	}
	return &rec, nil
}

// List retrieves quarantine records with filtering and pagination
func (r *Repository) List(ctx context.Context, tenantID string, status *models.QuarantineStatus, errorClass *string, page, pageSize int) (*models.QuarantineListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "quarantine.Repository.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("quarantine_records")
	countWhere := []string{countSb.Equal("tenant_id", tenantID)}
	if status != nil {
		countWhere = append(countWhere, countSb.Equal("status", *status))
	}
	if errorClass != nil {
		countWhere = append(countWhere, countSb.Equal("error_class", *errorClass))
	}
	countSb.Where(countWhere...)

	countQuery, countArgs := countSb.Build()
	var totalCount int
	if err := r.db.GetContext(ctx, &totalCount, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "page": page, "page_size": pageSize}).Error("Failed to count quarantine records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count quarantine records")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("quarantine_records")
	where := []string{sb.Equal("tenant_id", tenantID)}
	if status != nil {
		where = append(where, sb.Equal("status", *status))
	}
	if errorClass != nil {
		where = append(where, sb.Equal("error_class", *errorClass))
	}
	sb.Where(where...)
	sb.OrderBy("created_at DESC")
	sb.Limit(pageSize).Offset(offset)

	query, args := sb.Build()
	var records []models.QuarantineRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "page": page, "page_size": pageSize}).Error("Failed to list quarantine records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list quarantine records")
	}

	return &models.QuarantineListResponse{
		Items:      records,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// UpdateStatus transitions a quarantine record's review state
func (r *Repository) UpdateStatus(ctx context.Context, tenantID, id string, status models.QuarantineStatus) error {
	ctx, span := tracing.StartSpan(ctx, "quarantine.Repository.UpdateStatus")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("quarantine_records")
	sb.Set(
		sb.Assign("status", status),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID, "status": status}).Error("Failed to update quarantine status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update quarantine record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "quarantine record %s not found", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "status": status}).Info("Quarantine record status changed")
	return nil
}
