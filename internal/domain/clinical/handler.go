package clinical

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the clinical record endpoints. Deletion is handled
// by the archive.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/consultations", h.ListConsultations)
	api.POST("/consultations", h.CreateConsultation)
	api.GET("/consultations/:id", h.GetConsultation)
	api.PUT("/consultations/:id", h.UpdateConsultation)
	api.PATCH("/consultations/:id", h.UpdateConsultation)

	api.GET("/maternity-records", h.ListMaternity)
	api.POST("/maternity-records", h.CreateMaternity)
	api.GET("/maternity-records/:id", h.GetMaternity)
	api.PUT("/maternity-records/:id", h.UpdateMaternity)
	api.PATCH("/maternity-records/:id", h.UpdateMaternity)
	api.GET("/patients/:id/maternity/next-number", h.NextPregnancyNumber)

	api.GET("/babies", h.ListBabies)
	api.POST("/babies", h.CreateBaby)
	api.GET("/babies/:id", h.GetBaby)
	api.PUT("/babies/:id", h.UpdateBaby)
	api.PATCH("/babies/:id", h.UpdateBaby)
}

func bindBody(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// patchBody decodes an update body without echo's binder, which would copy
// path params into the map.
func patchBody(c echo.Context) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&fields); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return fields, nil
}

// -- Consultation Handlers --

func (h *Handler) CreateConsultation(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	var in ConsultationInput
	if err := bindBody(c, &in); err != nil {
		return err
	}
	rec, err := h.svc.CreateConsultation(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetConsultation(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.GetConsultation(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListConsultations(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListConsultations(c.Request().Context(), actor, c.QueryParam("patientId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) UpdateConsultation(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	fields, err := patchBody(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.UpdateConsultation(c.Request().Context(), actor, c.Param("id"), fields)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// -- Maternity Handlers --

func (h *Handler) CreateMaternity(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	var in MaternityInput
	if err := bindBody(c, &in); err != nil {
		return err
	}
	rec, err := h.svc.CreateMaternity(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetMaternity(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.GetMaternity(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListMaternity(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListMaternity(c.Request().Context(), actor, c.QueryParam("patientId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) UpdateMaternity(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	fields, err := patchBody(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.UpdateMaternity(c.Request().Context(), actor, c.Param("id"), fields)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) NextPregnancyNumber(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	n, err := h.svc.NextPregnancyNumber(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"nextPregnancyNumber": n})
}

// -- Baby Handlers --

func (h *Handler) CreateBaby(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	var in BabyInput
	if err := bindBody(c, &in); err != nil {
		return err
	}
	rec, err := h.svc.CreateBaby(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetBaby(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.GetBaby(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListBabies(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	mother := c.QueryParam("motherId")
	if mother == "" {
		mother = c.QueryParam("patientId")
	}
	items, err := h.svc.ListBabies(c.Request().Context(), actor, mother)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) UpdateBaby(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}
	fields, err := patchBody(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.UpdateBaby(c.Request().Context(), actor, c.Param("id"), fields)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}
