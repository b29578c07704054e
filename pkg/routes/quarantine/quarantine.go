package quarantine

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/quarantine"
	"github.com/Ramsey-B/fern/internal/repositories/rawrecord"
	"github.com/Ramsey-B/fern/pkg/conformance"
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Register registers quarantine routes
func Register(g *echo.Group) {
	g.GET("", ListQuarantined)
	g.GET("/:id", GetQuarantined)
	g.POST("/:id/requeue", RequeueQuarantined)
	g.POST("/:id/discard", DiscardQuarantined)
}

// ListQuarantined lists quarantined records with optional status and
// error_class filters
func ListQuarantined(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))

	var status *models.QuarantineStatus
	if s := c.QueryParam("status"); s != "" {
		qs := models.QuarantineStatus(s)
		status = &qs
	}
	var errorClass *string
	if ec := c.QueryParam("error_class"); ec != "" {
		errorClass = &ec
	}

	ctx, repo, err := ectoinject.GetContext[*quarantine.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	resp, err := repo.List(ctx, tenantID, status, errorClass, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// GetQuarantined gets a quarantined record by ID
func GetQuarantined(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*quarantine.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	rec, err := repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, rec)
}

// RequeueQuarantined replays the quarantined record's bronze event through
// the engine. A record that fails again lands back in quarantine as a new
// entry; this one is marked requeued either way.
func RequeueQuarantined(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*quarantine.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	rec, err := repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if rec.Status != models.QuarantineStatusPending {
		return httperror.NewHTTPErrorf(http.StatusConflict, "quarantine record %s is %s", id, rec.Status)
	}

	ctx, rawRepo, err := ectoinject.GetContext[*rawrecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	raw, err := rawRepo.Get(ctx, tenantID, rec.RawRecordID)
	if err != nil {
		return err
	}

	ctx, orchestrator, err := ectoinject.GetContext[*conformance.Orchestrator](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := orchestrator.Replay(ctx, tenantID, raw)
	if err != nil {
		return err
	}

	status := models.QuarantineStatusRequeued
	if result.Applied > 0 || result.NoOps > 0 {
		status = models.QuarantineStatusResolved
	}
	if err := repo.UpdateStatus(ctx, tenantID, id, status); err != nil {
		return err
	}

	ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
	if logger != nil {
		logger.WithContext(ctx).WithFields(map[string]any{
			"quarantine_id": id,
			"status":        status,
			"applied":       result.Applied,
			"quarantined":   result.Quarantined,
		}).Info("Requeued quarantined record")
	}

	return c.JSON(http.StatusOK, result)
}

// DiscardQuarantined marks a quarantined record as discarded
func DiscardQuarantined(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*quarantine.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	rec, err := repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if rec.Status != models.QuarantineStatusPending {
		return httperror.NewHTTPErrorf(http.StatusConflict, "quarantine record %s is %s", id, rec.Status)
	}

	if err := repo.UpdateStatus(ctx, tenantID, id, models.QuarantineStatusDiscarded); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
