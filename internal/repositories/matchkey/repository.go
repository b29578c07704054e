package matchkey

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

// Repository maintains the fuzzy-match index of normalized secondary
// identifiers. Lookups are exact equality on normalized values only.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new match key repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert indexes one normalized identifier for a master. Re-indexing the
// same (master, key, value) is a no-op.
func (r *Repository) Upsert(ctx context.Context, entry *models.MatchKeyEntry) error {
	ctx, span := tracing.StartSpan(ctx, "matchkey.Repository.Upsert")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	q := database.QuerierFromContext(ctx, r.db)
	query := `
		INSERT INTO match_keys (
			id, tenant_id, entity_type, key_name, key_value, master_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, entity_type, key_name, key_value, master_id) DO NOTHING
	`
	if _, err := q.ExecContext(ctx, query,
		entry.ID, entry.TenantID, entry.EntityType, entry.KeyName, entry.KeyValue, entry.MasterID, entry.CreatedAt,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": entry.TenantID, "entity_type": entry.EntityType, "key_name": entry.KeyName, "master_id": entry.MasterID}).Error("Failed to upsert match key")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert match key")
	}
	return nil
}

// FindMasters returns the distinct masters indexed under a normalized value.
func (r *Repository) FindMasters(ctx context.Context, tenantID, entityType, keyName, keyValue string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "matchkey.Repository.FindMasters")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("DISTINCT master_id")
	sb.From("match_keys")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.Equal("key_name", keyName),
		sb.Equal("key_value", keyValue),
	)

	query, args := sb.Build()
	var masters []string
	if err := r.db.SelectContext(ctx, &masters, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_type": entityType, "key_name": keyName}).Error("Failed to find masters by match key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find masters by match key")
	}
	return masters, nil
}

// RepointMaster re-indexes every match key on fromMasterID under toMasterID.
// Entries that would collide with existing (key, value, master) rows are
// dropped instead of duplicated.
func (r *Repository) RepointMaster(ctx context.Context, tenantID, fromMasterID, toMasterID string) error {
	ctx, span := tracing.StartSpan(ctx, "matchkey.Repository.RepointMaster")
	defer span.End()

	q := database.QuerierFromContext(ctx, r.db)
	query := `
		UPDATE match_keys mk
		SET master_id = $1
		WHERE tenant_id = $2
		  AND master_id = $3
		  AND NOT EXISTS (
			SELECT 1 FROM match_keys dup
			WHERE dup.tenant_id = mk.tenant_id
			  AND dup.entity_type = mk.entity_type
			  AND dup.key_name = mk.key_name
			  AND dup.key_value = mk.key_value
			  AND dup.master_id = $1
		  )
	`
	if _, err := q.ExecContext(ctx, query, toMasterID, tenantID, fromMasterID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "from_master_id": fromMasterID, "to_master_id": toMasterID}).Error("Failed to repoint match keys")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint match keys")
	}

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom("match_keys")
	del.Where(
		del.Equal("tenant_id", tenantID),
		del.Equal("master_id", fromMasterID),
	)
	delQuery, delArgs := del.Build()
	if _, err := q.ExecContext(ctx, delQuery, delArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "from_master_id": fromMasterID}).Error("Failed to clear leftover match keys")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to clear match keys")
	}
	return nil
}

// DeleteByMaster removes a master's match index entries. Used by split before
// re-deriving both sides.
func (r *Repository) DeleteByMaster(ctx context.Context, tenantID, masterID string) error {
	ctx, span := tracing.StartSpan(ctx, "matchkey.Repository.DeleteByMaster")
	defer span.End()

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom("match_keys")
	del.Where(
		del.Equal("tenant_id", tenantID),
		del.Equal("master_id", masterID),
	)

	query, args := del.Build()
	q := database.QuerierFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "master_id": masterID}).Error("Failed to delete match keys by master")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete match keys")
	}
	return nil
}
