package record

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/rawrecord"
	"github.com/Ramsey-B/fern/pkg/conformance"
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New()

// Register registers record ingest routes
func Register(g *echo.Group) {
	g.POST("/batch", IngestBatch)
	g.GET("/:id", GetRawRecord)
}

// IngestBatch accepts a batch of bronze records and runs it through the
// engine synchronously. The response reports applied, quarantined, and noop
// counts; quarantined records are retrievable from the quarantine endpoints.
func IngestBatch(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "X-Tenant-ID header is required")
	}

	var req models.IngestBatchRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid request: %s", err.Error())
	}

	records := make([]*models.RawRecord, 0, len(req.Records))
	for _, r := range req.Records {
		records = append(records, &models.RawRecord{
			TenantID:          tenantID,
			SourceSystem:      r.SourceSystem,
			SourceTable:       r.SourceTable,
			EntityType:        r.EntityType,
			NaturalKey:        database.NewJSONB(r.NaturalKey),
			Payload:           database.NewJSONB(r.Payload),
			CDCOperation:      r.CDCOperation,
			IngestionSequence: r.IngestionSequence,
			AsOf:              r.AsOf,
		})
	}

	ctx, orchestrator, err := ectoinject.GetContext[*conformance.Orchestrator](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := orchestrator.ProcessBatch(ctx, tenantID, records)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// GetRawRecord gets a bronze record by ID
func GetRawRecord(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*rawrecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	rec, err := repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, rec)
}
