package rawrecord

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
	"id", "tenant_id", "source_system", "source_table", "entity_type",
	"natural_key", "natural_key_canonical", "payload", "cdc_operation",
	"ingestion_sequence", "ingested_at", "as_of", "created_at",
}

// Repository handles raw record persistence. Raw records are append-only
// bronze events; there is no update or delete path.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new raw record repository
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

// Insert appends one raw record. The assigned ID is set on the record.
func (r *Repository) Insert(ctx context.Context, rec *models.RawRecord) error {
	ctx, span := tracing.StartSpan(ctx, "rawrecord.Repository.Insert")
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now().UTC()
	rec.NaturalKeyCanonical = rec.NaturalKeyString()

	q := database.QuerierFromContext(ctx, r.db)
	query := `
		INSERT INTO raw_records (
			id, tenant_id, source_system, source_table, entity_type,
			natural_key, natural_key_canonical, payload, cdc_operation,
			ingestion_sequence, ingested_at, as_of, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err := q.ExecContext(ctx, query,
		rec.ID, rec.TenantID, rec.SourceSystem, rec.SourceTable, rec.EntityType,
		rec.NaturalKey, rec.NaturalKeyCanonical, rec.Payload, rec.CDCOperation,
		rec.IngestionSequence, rec.IngestedAt, rec.AsOf, rec.CreatedAt,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": rec.TenantID, "entity_type": rec.EntityType, "ingestion_sequence": rec.IngestionSequence}).Error("Failed to insert raw record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert raw record")
	}
	return nil
}

// Get retrieves a raw record by ID
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.RawRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "rawrecord.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("raw_records")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var rec models.RawRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "raw record %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to get raw record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get raw record")
	}
	return &rec, nil
}

// ListByNaturalKeys returns every raw record for the given canonical natural
// key strings, in (as_of, ingestion_sequence) order. Timeline re-derivation
// depends on this ordering.
func (r *Repository) ListByNaturalKeys(ctx context.Context, tenantID, entityType string, naturalKeys []string) ([]models.RawRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "rawrecord.Repository.ListByNaturalKeys")
	defer span.End()

	if len(naturalKeys) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("raw_records")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.In("natural_key_canonical", sqlbuilder.Flatten(naturalKeys)...),
	)
	sb.OrderBy("as_of ASC", "ingestion_sequence ASC")

	query, args := sb.Build()
	var records []models.RawRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_type": entityType, "key_count": len(naturalKeys)}).Error("Failed to list raw records by natural keys")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list raw records")
	}
	return records, nil
}
