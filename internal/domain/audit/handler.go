package audit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

type Handler struct {
	emitter  *Emitter
	resolver *policy.Resolver
}

func NewHandler(emitter *Emitter, resolver *policy.Resolver) *Handler {
	return &Handler{emitter: emitter, resolver: resolver}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(policy.RoleAdmin))
	read.GET("/audit-logs", h.ListRecent)
}

// ListRecent returns the newest entries first; ?limit= caps the count.
func (h *Handler) ListRecent(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.resolver.Authorize(ctx, actor, policy.RecordAuditLog, policy.Target{}, policy.OpRead); err != nil {
		return err
	}

	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}

	entries, err := h.emitter.Recent(ctx, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}
