package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/internal/platform/policy"
	"github.com/rhu/healthrecords/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts deletion (archive), the archive views and backup.
// All of them are admin only.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole(policy.RoleAdmin))
	for _, k := range kinds {
		admin.DELETE("/"+k.Slug+"/:id", h.Archive(k))
	}
	admin.GET("/archive/:type", h.ListArchived)
	admin.POST("/archive/:type/:id/restore", h.Restore)
	admin.POST("/archive/:type/:id/purge", h.Purge)
	admin.POST("/admin/backup", h.Backup)
}

func kindParam(c echo.Context) (Kind, error) {
	k, ok := KindBySlug(c.Param("type"))
	if !ok {
		return Kind{}, echo.NewHTTPError(http.StatusNotFound, "unknown record type")
	}
	return k, nil
}

func (h *Handler) Archive(k Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := auth.RequireActor(c)
		if err != nil {
			return err
		}
		res, err := h.svc.Archive(c.Request().Context(), actor, k, c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	}
}

func (h *Handler) ListArchived(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	k, err := kindParam(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListArchived(c.Request().Context(), actor, k)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) Restore(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	k, err := kindParam(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Restore(c.Request().Context(), actor, k, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Purge(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	k, err := kindParam(c)
	if err != nil {
		return err
	}
	var req PurgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.Purge(c.Request().Context(), actor, k, c.Param("id"), req.Password); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Backup(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	var req PurgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	b, err := h.svc.Backup(c.Request().Context(), actor, req.Password)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+b.Filename+`"`)
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, b.Body)
}
