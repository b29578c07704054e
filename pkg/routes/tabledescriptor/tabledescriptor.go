package tabledescriptor

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/tabledescriptor"
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New()

// Register registers table descriptor routes
func Register(g *echo.Group) {
	g.GET("", ListTableDescriptors)
	g.GET("/:id", GetTableDescriptor)
	g.POST("", CreateTableDescriptor)
	g.PUT("/:id", UpdateTableDescriptor)
	g.DELETE("/:id", DeleteTableDescriptor)
}

// ListTableDescriptors lists table descriptors for the tenant
func ListTableDescriptors(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))

	ctx, repo, err := ectoinject.GetContext[*tabledescriptor.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	resp, err := repo.List(ctx, tenantID, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// GetTableDescriptor gets a table descriptor by ID
func GetTableDescriptor(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*tabledescriptor.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	desc, err := repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, desc)
}

// CreateTableDescriptor creates a new table descriptor
func CreateTableDescriptor(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	var req models.CreateTableDescriptorRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid request: %s", err.Error())
	}

	ctx, repo, err := ectoinject.GetContext[*tabledescriptor.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	created, err := repo.Create(ctx, tenantID, req)
	if err != nil {
		return err
	}

	ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
	if logger != nil {
		logger.WithContext(ctx).WithFields(map[string]any{"id": created.ID, "entity_type": created.EntityType}).Info("Created table descriptor")
	}

	return c.JSON(http.StatusCreated, created)
}

// UpdateTableDescriptor updates a table descriptor
func UpdateTableDescriptor(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	var req models.CreateTableDescriptorRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid request: %s", err.Error())
	}

	ctx, repo, err := ectoinject.GetContext[*tabledescriptor.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	updated, err := repo.Update(ctx, tenantID, id, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, updated)
}

// DeleteTableDescriptor soft-deletes a table descriptor
func DeleteTableDescriptor(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*tabledescriptor.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := repo.SoftDelete(ctx, tenantID, id); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
