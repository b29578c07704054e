package audit

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

// Repository journals operator commands
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Record appends one audit entry inside the caller's transaction
func (r *Repository) Record(ctx context.Context, entry *models.OperatorAuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.Record")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	q := database.QuerierFromContext(ctx, r.db)
	query := `
		INSERT INTO operator_audit (
			id, tenant_id, action, master_id, actor, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := q.ExecContext(ctx, query,
		entry.ID, entry.TenantID, entry.Action, entry.MasterID, entry.Actor, entry.Detail, entry.CreatedAt,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": entry.TenantID, "action": entry.Action, "master_id": entry.MasterID}).Error("Failed to record audit entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record audit entry")
	}
	return nil
}

// ListByMaster returns the audit trail for a master
func (r *Repository) ListByMaster(ctx context.Context, tenantID, masterID string) ([]models.OperatorAuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.ListByMaster")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "tenant_id", "action", "master_id", "actor", "detail", "created_at")
	sb.From("operator_audit")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("master_id", masterID),
	)
	sb.OrderBy("created_at DESC")

	query, args := sb.Build()
	var entries []models.OperatorAuditEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "master_id": masterID}).Error("Failed to list audit entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list audit entries")
	}
	return entries, nil
}
