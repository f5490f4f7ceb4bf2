package scheduling

import (
	"net/http"
	"strconv"

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

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Availability is open to every signed-in actor so patients can book.
	api.GET("/providers/:id/availability", h.Availability)
	api.GET("/providers/:id/next-available", h.NextAvailable)

	api.GET("/schedules/:id", h.GetSchedule)

	api.GET("/appointments", h.ListAppointments)
	api.POST("/appointments", h.Book)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments/:id/cancel", h.Cancel)

	providers := api.Group("", auth.RequireRole(policy.RoleAdmin, policy.RoleDoctor, policy.RoleMidwife))
	providers.POST("/appointments/:id/complete", h.Complete)

	admin := api.Group("", auth.RequireRole(policy.RoleAdmin))
	admin.GET("/schedules", h.ListSchedules)
	admin.PUT("/schedules/:id", h.UpsertSchedule)
}

// -- Schedule Handlers --

func (h *Handler) GetSchedule(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	sched, err := h.svc.GetSchedule(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListSchedules(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) UpsertSchedule(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	var sched Schedule
	if err := c.Bind(&sched); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	saved, err := h.svc.UpsertSchedule(c.Request().Context(), actor, c.Param("id"), &sched)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, saved)
}

// -- Availability Handlers --

func (h *Handler) Availability(c echo.Context) error {
	if _, err := auth.RequireActor(c); err != nil {
		return err
	}
	slots, err := h.svc.Availability(c.Request().Context(), c.Param("id"), c.QueryParam("date"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctorId": c.Param("id"),
		"date":     c.QueryParam("date"),
		"timezone": h.svc.Location().String(),
		"slots":    slots,
	})
}

func (h *Handler) NextAvailable(c echo.Context) error {
	if _, err := auth.RequireActor(c); err != nil {
		return err
	}
	days, limit := 14, 1
	if v := c.QueryParam("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be a number")
		}
		days = n
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive number")
		}
		limit = n
	}
	slots, err := h.svc.NextAvailable(c.Request().Context(), c.Param("id"), days, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctorId": c.Param("id"),
		"timezone": h.svc.Location().String(),
		"slots":    slots,
	})
}

// -- Appointment Handlers --

func (h *Handler) Book(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	appt, err := h.svc.Book(c.Request().Context(), actor, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListAppointments(c.Request().Context(), actor, AppointmentFilter{
		PatientID: c.QueryParam("patientId"),
		DoctorID:  c.QueryParam("doctorId"),
		Status:    Status(c.QueryParam("status")),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.Cancel(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) Complete(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	var req CompletionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	appt, err := h.svc.Complete(c.Request().Context(), actor, c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}
