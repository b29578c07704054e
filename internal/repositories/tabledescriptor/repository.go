package tabledescriptor

import (
	"context"
	"net/http"
	"sync"
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
	"id", "tenant_id", "entity_type", "source_system", "source_table",
	"columns", "natural_key_fields", "match_keys", "quality_rules",
	"scd_type", "match_threshold", "created_at", "updated_at", "deleted_at",
}

// Repository handles table descriptor persistence. Descriptors are read on
// every record, so lookups go through a small in-process cache invalidated
// on writes.
type Repository struct {
	db     database.DB
	logger ectologger.Logger

	mu    sync.RWMutex
	cache map[string]*models.TableDescriptor
}

// NewRepository creates a new table descriptor repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		cache:  make(map[string]*models.TableDescriptor),
	}
}

func cacheKey(tenantID, entityType string) string {
	return tenantID + "/" + entityType
}

// Create inserts a new descriptor
func (r *Repository) Create(ctx context.Context, tenantID string, req models.CreateTableDescriptorRequest) (*models.TableDescriptor, error) {
	ctx, span := tracing.StartSpan(ctx, "tabledescriptor.Repository.Create")
	defer span.End()

	now := time.Now().UTC()
	scdType := req.SCDType
	if scdType == 0 {
		scdType = models.SCDType2
	}
	threshold := req.MatchThreshold
	if threshold <= 0 {
		threshold = 70
	}

	desc := &models.TableDescriptor{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		EntityType:       req.EntityType,
		SourceSystem:     req.SourceSystem,
		SourceTable:      req.SourceTable,
		Columns:          database.NewJSONB(req.Columns),
		NaturalKeyFields: database.NewJSONB(req.NaturalKeyFields),
		MatchKeys:        database.NewJSONB(req.MatchKeys),
		QualityRules:     database.NewJSONB(req.QualityRules),
		SCDType:          scdType,
		MatchThreshold:   threshold,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	query := `
		INSERT INTO table_descriptors (
			id, tenant_id, entity_type, source_system, source_table,
			columns, natural_key_fields, match_keys, quality_rules,
			scd_type, match_threshold, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err := r.db.ExecContext(ctx, query,
		desc.ID, desc.TenantID, desc.EntityType, desc.SourceSystem, desc.SourceTable,
		desc.Columns, desc.NaturalKeyFields, desc.MatchKeys, desc.QualityRules,
		desc.SCDType, desc.MatchThreshold, desc.CreatedAt, desc.UpdatedAt,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_type": req.EntityType}).Error("Failed to create table descriptor")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create table descriptor")
	}

	r.invalidate(tenantID, desc.EntityType)
	r.logger.WithContext(ctx).WithFields(map[string]any{"id": desc.ID, "entity_type": desc.EntityType}).Info("Created table descriptor")
	return desc, nil
}

// GetByEntityType resolves the active descriptor for an entity type, serving
// from cache when possible.
func (r *Repository) GetByEntityType(ctx context.Context, tenantID, entityType string) (*models.TableDescriptor, error) {
	ctx, span := tracing.StartSpan(ctx, "tabledescriptor.Repository.GetByEntityType")
	defer span.End()

	r.mu.RLock()
	if cached, ok := r.cache[cacheKey(tenantID, entityType)]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("table_descriptors")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.IsNull("deleted_at"),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var desc models.TableDescriptor
	if err := r.db.GetContext(ctx, &desc, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no table descriptor for entity type '%s'", entityType)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_type": entityType}).Error("Failed to get table descriptor")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get table descriptor")
	}

	r.mu.Lock()
	r.cache[cacheKey(tenantID, entityType)] = &desc
	r.mu.Unlock()
	return &desc, nil
}

// Get retrieves a descriptor by ID
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.TableDescriptor, error) {
	ctx, span := tracing.StartSpan(ctx, "tabledescriptor.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("table_descriptors")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var desc models.TableDescriptor
	if err := r.db.GetContext(ctx, &desc, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "table descriptor %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to get table descriptor")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get table descriptor")
	}
	return &desc, nil
}

// List retrieves descriptors with pagination
func (r *Repository) List(ctx context.Context, tenantID string, page, pageSize int) (*models.TableDescriptorListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "tabledescriptor.Repository.List")
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
	countSb.From("table_descriptors")
	countSb.Where(
		countSb.Equal("tenant_id", tenantID),
		countSb.IsNull("deleted_at"),
	)

	countQuery, countArgs := countSb.Build()
	var totalCount int
	if err := r.db.GetContext(ctx, &totalCount, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID}).Error("Failed to count table descriptors")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count table descriptors")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("table_descriptors")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("entity_type ASC")
	sb.Limit(pageSize).Offset(offset)

	query, args := sb.Build()
	var descriptors []models.TableDescriptor
	if err := r.db.SelectContext(ctx, &descriptors, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "page": page}).Error("Failed to list table descriptors")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list table descriptors")
	}

	return &models.TableDescriptorListResponse{
		Items:      descriptors,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// Update replaces a descriptor's definition
func (r *Repository) Update(ctx context.Context, tenantID, id string, req models.CreateTableDescriptorRequest) (*models.TableDescriptor, error) {
	ctx, span := tracing.StartSpan(ctx, "tabledescriptor.Repository.Update")
	defer span.End()

	existing, err := r.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	scdType := req.SCDType
	if scdType == 0 {
		scdType = existing.SCDType
	}
	threshold := req.MatchThreshold
	if threshold <= 0 {
		threshold = existing.MatchThreshold
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("table_descriptors")
	sb.Set(
		sb.Assign("source_system", req.SourceSystem),
		sb.Assign("source_table", req.SourceTable),
		sb.Assign("columns", database.NewJSONB(req.Columns)),
		sb.Assign("natural_key_fields", database.NewJSONB(req.NaturalKeyFields)),
		sb.Assign("match_keys", database.NewJSONB(req.MatchKeys)),
		sb.Assign("quality_rules", database.NewJSONB(req.QualityRules)),
		sb.Assign("scd_type", scdType),
		sb.Assign("match_threshold", threshold),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to update table descriptor")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update table descriptor")
	}

	r.invalidate(tenantID, existing.EntityType)
	return r.Get(ctx, tenantID, id)
}

// SoftDelete marks a descriptor as deleted
func (r *Repository) SoftDelete(ctx context.Context, tenantID, id string) error {
	ctx, span := tracing.StartSpan(ctx, "tabledescriptor.Repository.SoftDelete")
	defer span.End()

	existing, err := r.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("table_descriptors")
	sb.Set(sb.Assign("deleted_at", now))
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to delete table descriptor")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete table descriptor")
	}

	r.invalidate(tenantID, existing.EntityType)
	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id}).Info("Soft deleted table descriptor")
	return nil
}

func (r *Repository) invalidate(tenantID, entityType string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(tenantID, entityType))
	r.mu.Unlock()
}
