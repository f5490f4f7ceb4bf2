package clinical

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

func jsonRequest(method, target, body string, actor *policy.Actor) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	return req
}

func TestHandler_CreateConsultation(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/consultations", `{"patientId":"p-1","notes":"fever","diagnosis":"viral"}`, &doctorActor), rec)

	if err := h.CreateConsultation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got Consultation
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.ID == "" || got.DoctorID != "doc-1" {
		t.Errorf("unexpected consultation %+v", got)
	}
}

func TestHandler_CreateConsultation_RequiresActor(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	c := echo.New().NewContext(jsonRequest(http.MethodPost, "/consultations", `{}`, nil), httptest.NewRecorder())

	err := h.CreateConsultation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestHandler_UpdateBaby_IgnoresPathParam(t *testing.T) {
	svc, _ := newTestService(t)
	baby, err := svc.CreateBaby(context.Background(), doctorActor, BabyInput{MotherID: "p-1", BirthDate: "2024-01-01"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := NewHandler(svc)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(jsonRequest(http.MethodPatch, "/babies/"+baby.ID, `{"name":"Lia"}`, &doctorActor), rec)
	c.SetParamNames("id")
	c.SetParamValues(baby.ID)

	if err := h.UpdateBaby(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got BabyRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.Name != "Lia" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_GetMaternity_Denied(t *testing.T) {
	svc, _ := newTestService(t)
	m, err := svc.CreateMaternity(context.Background(), adminActor, MaternityInput{PatientID: "p-1", PregnancyNumber: 1})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := NewHandler(svc)
	c := echo.New().NewContext(jsonRequest(http.MethodGet, "/maternity-records/"+m.ID, "", &otherPatient), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(m.ID)

	if err := h.GetMaternity(c); !apperr.Is(err, apperr.KindAccessDenied) {
		t.Errorf("expected access denied, got %v", err)
	}
}

func TestHandler_ListBabies_MotherQuery(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateBaby(context.Background(), adminActor, BabyInput{MotherID: "p-1", BirthDate: "2024-01-01"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := NewHandler(svc)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(jsonRequest(http.MethodGet, "/babies?motherId=p-1", "", &doctorActor), rec)

	if err := h.ListBabies(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data  []BabyRecord `json:"data"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Total != 1 {
		t.Errorf("unexpected page %s", rec.Body.String())
	}
}

func TestHandler_NextPregnancyNumber(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(jsonRequest(http.MethodGet, "/", "", &patientActor), rec)
	c.SetParamNames("id")
	c.SetParamValues("p-1")

	if err := h.NextPregnancyNumber(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"nextPregnancyNumber":1}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	svc, _ := newTestService(t)
	e := echo.New()
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/consultations":                     false,
		"PATCH /api/v1/consultations/:id":                false,
		"GET /api/v1/maternity-records":                  false,
		"GET /api/v1/patients/:id/maternity/next-number": false,
		"PUT /api/v1/babies/:id":                         false,
	}
	for _, r := range e.Routes() {
		if _, ok := want[r.Method+" "+r.Path]; ok {
			want[r.Method+" "+r.Path] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
