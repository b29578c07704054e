package duplicatelink

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
	"raw_record_id", "match_basis", "confidence", "reviewed",
	"reviewed_by", "reviewed_at", "created_at",
}

// Repository handles duplicate link persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new duplicate link repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert records one duplicate judgement
func (r *Repository) Insert(ctx context.Context, link *models.DuplicateLink) error {
	ctx, span := tracing.StartSpan(ctx, "duplicatelink.Repository.Insert")
	defer span.End()

	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.CreatedAt = time.Now().UTC()

	q := database.QuerierFromContext(ctx, r.db)
	query := `
		INSERT INTO duplicate_links (
			id, tenant_id, entity_type, natural_key, master_id,
			raw_record_id, match_basis, confidence, reviewed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := q.ExecContext(ctx, query,
		link.ID, link.TenantID, link.EntityType, link.NaturalKey, link.MasterID,
		link.RawRecordID, link.MatchBasis, link.Confidence, link.Reviewed, link.CreatedAt,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": link.TenantID, "master_id": link.MasterID, "match_basis": link.MatchBasis}).Error("Failed to insert duplicate link")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert duplicate link")
	}
	return nil
}

// ListByMaster returns every duplicate link pointing at a master
func (r *Repository) ListByMaster(ctx context.Context, tenantID, masterID string) ([]models.DuplicateLink, error) {
	ctx, span := tracing.StartSpan(ctx, "duplicatelink.Repository.ListByMaster")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("duplicate_links")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("master_id", masterID),
	)
	sb.OrderBy("created_at DESC")

	query, args := sb.Build()
	var links []models.DuplicateLink
	if err := r.db.SelectContext(ctx, &links, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "master_id": masterID}).Error("Failed to list duplicate links")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list duplicate links")
	}
	return links, nil
}

// MarkReviewed flags a link as resolved by an operator. Links are never
// silently overwritten; this is the only mutation path.
func (r *Repository) MarkReviewed(ctx context.Context, tenantID, id, reviewedBy string) error {
	ctx, span := tracing.StartSpan(ctx, "duplicatelink.Repository.MarkReviewed")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("duplicate_links")
	sb.Set(
		sb.Assign("reviewed", true),
		sb.Assign("reviewed_by", reviewedBy),
		sb.Assign("reviewed_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to mark duplicate link reviewed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update duplicate link")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "duplicate link %s not found", id)
	}
	return nil
}

// RepointMaster moves a merged master's links onto the survivor
func (r *Repository) RepointMaster(ctx context.Context, tenantID, fromMasterID, toMasterID string) error {
	ctx, span := tracing.StartSpan(ctx, "duplicatelink.Repository.RepointMaster")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("duplicate_links")
	sb.Set(sb.Assign("master_id", toMasterID))
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("master_id", fromMasterID),
	)

	query, args := sb.Build()
	q := database.QuerierFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "from_master_id": fromMasterID, "to_master_id": toMasterID}).Error("Failed to repoint duplicate links")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint duplicate links")
	}
	return nil
}
