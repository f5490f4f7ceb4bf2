package suggestion

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/internal/platform/llm"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/ai/health-suggestions", h.HealthSuggestions)
	api.POST("/ai/pre-diagnosis", h.PreDiagnosis)
}

func completionError(err error) error {
	switch {
	case errors.Is(err, llm.ErrDisabled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "AI suggestions are not configured")
	case errors.Is(err, ErrUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, "AI suggestions are temporarily unavailable")
	}
	return err
}

func (h *Handler) HealthSuggestions(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	var req struct {
		PatientID string `json:"patientId"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.HealthSuggestions(c.Request().Context(), actor, req.PatientID)
	if err != nil {
		return completionError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) PreDiagnosis(c echo.Context) error {
	if _, err := auth.RequireActor(c); err != nil {
		return err
	}
	var req struct {
		ReasonForVisit string `json:"reasonForVisit"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.PreDiagnosis(c.Request().Context(), req.ReasonForVisit)
	if err != nil {
		return completionError(err)
	}
	return c.JSON(http.StatusOK, out)
}
