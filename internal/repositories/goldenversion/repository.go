package goldenversion

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
	"id", "master_id", "tenant_id", "version_number", "attributes",
	"effective_start", "effective_end", "is_current", "record_hash",
	"data_quality_score", "quality_violations", "source_raw_record_id",
	"ingestion_sequence", "created_at",
}

// Repository handles golden version persistence. The partial unique index on
// (master_id) WHERE is_current enforces the single-current invariant at the
// storage layer; close and open must share a transaction.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new golden version repository
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

// GetCurrent returns the open version for a master, or nil when the master
// has no history or was closed by a delete.
func (r *Repository) GetCurrent(ctx context.Context, tenantID, masterID string) (*models.GoldenVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenversion.Repository.GetCurrent")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("golden_versions")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("master_id", masterID),
		sb.Equal("is_current", true),
	)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	var version models.GoldenVersion
	if err := q.GetContext(ctx, &version, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "master_id": masterID}).Error("Failed to get current golden version")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get current golden version")
	}
	return &version, nil
}

// GetLatest returns the newest version row by (effective_start, version_number),
// current or not. A master closed by a delete still orders new events against
// its last version.
func (r *Repository) GetLatest(ctx context.Context, tenantID, masterID string) (*models.GoldenVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenversion.Repository.GetLatest")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("golden_versions")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("master_id", masterID),
	)
	sb.OrderBy("effective_start DESC", "version_number DESC")
	sb.Limit(1)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	var version models.GoldenVersion
	if err := q.GetContext(ctx, &version, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "master_id": masterID}).Error("Failed to get latest golden version")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get latest golden version")
	}
	return &version, nil
}

// Insert appends a version row. Caller is responsible for closing the prior
// current row in the same transaction when the new row is current.
func (r *Repository) Insert(ctx context.Context, version *models.GoldenVersion) error {
	ctx, span := tracing.StartSpan(ctx, "goldenversion.Repository.Insert")
	defer span.End()

	if version.ID == "" {
		version.ID = uuid.New().String()
	}
	version.CreatedAt = time.Now().UTC()

	q := database.QuerierFromContext(ctx, r.db)
	query := `
		INSERT INTO golden_versions (
			id, master_id, tenant_id, version_number, attributes,
			effective_start, effective_end, is_current, record_hash,
			data_quality_score, quality_violations, source_raw_record_id,
			ingestion_sequence, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	if _, err := q.ExecContext(ctx, query,
		version.ID, version.MasterID, version.TenantID, version.VersionNumber, version.Attributes,
		version.EffectiveStart, version.EffectiveEnd, version.IsCurrent, version.RecordHash,
		version.DataQualityScore, version.QualityViolations, version.SourceRawRecordID,
		version.IngestionSequence, version.CreatedAt,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": version.TenantID, "master_id": version.MasterID, "version_number": version.VersionNumber}).Error("Failed to insert golden version")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert golden version")
	}
	return nil
}

// CloseCurrent ends the open version at effectiveEnd. Returns the number of
// rows closed (0 when the master had no current version).
func (r *Repository) CloseCurrent(ctx context.Context, tenantID, masterID string, effectiveEnd time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenversion.Repository.CloseCurrent")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("golden_versions")
	sb.Set(
		sb.Assign("effective_end", effectiveEnd),
		sb.Assign("is_current", false),
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("master_id", masterID),
		sb.Equal("is_current", true),
	)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "master_id": masterID}).Error("Failed to close current golden version")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to close current golden version")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// OverwriteCurrent replaces the open version's content in place. Type 1
// tables only; no timeline is kept.
func (r *Repository) OverwriteCurrent(ctx context.Context, version *models.GoldenVersion) error {
	ctx, span := tracing.StartSpan(ctx, "goldenversion.Repository.OverwriteCurrent")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("golden_versions")
	sb.Set(
		sb.Assign("attributes", version.Attributes),
		sb.Assign("record_hash", version.RecordHash),
		sb.Assign("data_quality_score", version.DataQualityScore),
		sb.Assign("quality_violations", version.QualityViolations),
		sb.Assign("source_raw_record_id", version.SourceRawRecordID),
		sb.Assign("ingestion_sequence", version.IngestionSequence),
		sb.Assign("effective_start", version.EffectiveStart),
	)
	sb.Where(
		sb.Equal("tenant_id", version.TenantID),
		sb.Equal("master_id", version.MasterID),
		sb.Equal("is_current", true),
	)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": version.TenantID, "master_id": version.MasterID}).Error("Failed to overwrite current golden version")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to overwrite golden version")
	}
	return nil
}

// ListByMaster returns a master's full timeline ordered by effective_start.
func (r *Repository) ListByMaster(ctx context.Context, tenantID, masterID string) ([]models.GoldenVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenversion.Repository.ListByMaster")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("golden_versions")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("master_id", masterID),
	)
	sb.OrderBy("effective_start ASC", "version_number ASC")

	query, args := sb.Build()
	var versions []models.GoldenVersion
	if err := r.db.SelectContext(ctx, &versions, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "master_id": masterID}).Error("Failed to list golden versions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list golden versions")
	}
	return versions, nil
}

// DeleteByMaster removes a master's entire timeline. Only the backfill and
// split re-derivation paths may do this, inside their transaction.
func (r *Repository) DeleteByMaster(ctx context.Context, tenantID, masterID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenversion.Repository.DeleteByMaster")
	defer span.End()

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom("golden_versions")
	del.Where(
		del.Equal("tenant_id", tenantID),
		del.Equal("master_id", masterID),
	)

	query, args := del.Build()
	q := database.QuerierFromContext(ctx, r.db)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "master_id": masterID}).Error("Failed to delete golden versions by master")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete golden versions")
	}

	rows, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{"master_id": masterID, "count": rows}).Info("Deleted golden versions for re-derivation")
	return rows, nil
}
