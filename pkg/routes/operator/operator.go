package operator

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/audit"
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/operator"
)

var validate = validator.New()

// Register registers operator command routes
func Register(g *echo.Group) {
	g.POST("/merge", ConfirmMerge)
	g.POST("/masters/:id/split", SplitEntity)
	g.POST("/masters/:id/backfill", BackfillReorder)
	g.POST("/masters/:id/retire", RetireMaster)
	g.GET("/masters/:id/audit", ListAuditEntries)
}

// ConfirmMerge merges one master into another
func ConfirmMerge(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	var req models.MergeMastersRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid request: %s", err.Error())
	}

	ctx, service, err := ectoinject.GetContext[*operator.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	survivor, err := service.ConfirmMerge(ctx, tenantID, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, survivor)
}

// SplitEntity splits natural keys off a master onto a new one
func SplitEntity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	masterID := c.Param("id")

	var req models.SplitEntityRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid request: %s", err.Error())
	}

	ctx, service, err := ectoinject.GetContext[*operator.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	newMaster, err := service.SplitEntity(ctx, tenantID, masterID, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, newMaster)
}

// BackfillReorder rebuilds a master's timeline from its raw records
func BackfillReorder(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	masterID := c.Param("id")

	var req models.BackfillReorderRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid request: %s", err.Error())
	}

	ctx, service, err := ectoinject.GetContext[*operator.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	applied, err := service.BackfillReorder(ctx, tenantID, masterID, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"master_id":        masterID,
		"applied_versions": applied,
	})
}

// RetireMasterRequest is the request body for retiring a master
type RetireMasterRequest struct {
	Actor string `json:"actor" validate:"required"`
}

// RetireMaster closes the master's current version and retires it
func RetireMaster(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	masterID := c.Param("id")

	var req RetireMasterRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid request: %s", err.Error())
	}

	ctx, service, err := ectoinject.GetContext[*operator.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := service.RetireMaster(ctx, tenantID, masterID, req.Actor); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// ListAuditEntries returns the operator audit trail for a master
func ListAuditEntries(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	masterID := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*audit.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entries, err := repo.ListByMaster(ctx, tenantID, masterID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entries)
}
