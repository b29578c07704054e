package master

import (
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/duplicatelink"
	"github.com/Ramsey-B/fern/internal/repositories/goldenversion"
	"github.com/Ramsey-B/fern/internal/repositories/masterentity"
	"github.com/Ramsey-B/fern/internal/repositories/naturalkey"
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Register registers master entity routes
func Register(g *echo.Group) {
	g.GET("/:id", GetMaster)
	g.GET("/:id/current", GetCurrentVersion)
	g.GET("/:id/versions", ListVersions)
	g.GET("/:id/as-of", GetVersionAsOf)
	g.GET("/:id/keys", ListNaturalKeys)
	g.GET("/:id/links", ListDuplicateLinks)
	g.POST("/:id/links/:linkId/review", ReviewDuplicateLink)
}

// GetMaster gets a master entity by ID
func GetMaster(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*masterentity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	master, err := repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, master)
}

// GetCurrentVersion gets the master's current golden version
func GetCurrentVersion(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*goldenversion.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	version, err := repo.GetCurrent(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if version == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "master %s has no current version", id)
	}

	return c.JSON(http.StatusOK, version)
}

// ListVersions returns the master's full version timeline
func ListVersions(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*goldenversion.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	versions, err := repo.ListByMaster(ctx, tenantID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.VersionListResponse{
		Items:      versions,
		TotalCount: len(versions),
	})
}

// GetVersionAsOf returns the version effective at the requested point in time
func GetVersionAsOf(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	atParam := c.QueryParam("at")
	if atParam == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "at query parameter is required")
	}
	at, err := time.Parse(time.RFC3339, atParam)
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "at must be an RFC3339 timestamp")
	}

	ctx, repo, err := ectoinject.GetContext[*goldenversion.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	versions, err := repo.ListByMaster(ctx, tenantID, id)
	if err != nil {
		return err
	}

	// half-open intervals: effective_start <= at < effective_end
	for i := range versions {
		v := &versions[i]
		if !v.EffectiveStart.After(at) && at.Before(v.EffectiveEnd) {
			return c.JSON(http.StatusOK, v)
		}
	}

	return httperror.NewHTTPErrorf(http.StatusNotFound, "master %s has no version effective at %s", id, atParam)
}

// ListNaturalKeys returns the natural keys bound to the master
func ListNaturalKeys(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*naturalkey.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	keys, err := repo.ListByMaster(ctx, tenantID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, keys)
}

// ListDuplicateLinks returns the master's suspected duplicate links
func ListDuplicateLinks(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*duplicatelink.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	links, err := repo.ListByMaster(ctx, tenantID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.DuplicateLinkListResponse{
		Items:      links,
		TotalCount: len(links),
	})
}

// ReviewDuplicateLink marks a duplicate link as reviewed
func ReviewDuplicateLink(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	userID := context.GetUserID(ctx)

	linkID := c.Param("linkId")

	ctx, repo, err := ectoinject.GetContext[*duplicatelink.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := repo.MarkReviewed(ctx, tenantID, linkID, userID); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
