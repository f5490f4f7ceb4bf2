package identity

import (
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

func newTestHandler(t *testing.T) (*Handler, *testEnv, *echo.Echo) {
	t.Helper()
	env := newTestEnv(t)
	return NewHandler(env.svc), env, echo.New()
}

func jsonRequest(method, body string, actor *policy.Actor) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	return req
}

func TestHandler_Signup(t *testing.T) {
	h, _, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"name":"Ana","email":"ana@example.com","password":"password1"}`, nil), rec)

	if err := h.Signup(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var sess Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil || sess.Token == "" {
		t.Errorf("expected a token, got %s", rec.Body.String())
	}
}

func TestHandler_Signup_BadBody(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(jsonRequest(http.MethodPost, `{"name":`, nil), httptest.NewRecorder())

	err := h.Signup(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Login_WrongPassword(t *testing.T) {
	h, env, e := newTestHandler(t)
	_, _ = env.svc.Signup(jsonRequest(http.MethodPost, "", nil).Context(), SignupRequest{
		Demographics: Demographics{Name: "Ana"}, Email: "ana@example.com", Password: "password1",
	})

	c := e.NewContext(jsonRequest(http.MethodPost, `{"email":"ana@example.com","password":"nope"}`, nil), httptest.NewRecorder())
	if err := h.Login(c); !apperr.Is(err, apperr.KindAuthFailure) {
		t.Errorf("expected AuthFailure, got %v", err)
	}
}

func TestHandler_Me_RequiresActor(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(jsonRequest(http.MethodGet, "", nil), httptest.NewRecorder())

	err := h.Me(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestHandler_UpdatePatient_IgnoresPathParam(t *testing.T) {
	h, env, e := newTestHandler(t)
	env.seed(t, &Patient{ID: "p1", Name: "Ana", Role: policy.RolePatient})
	self := policy.Actor{ID: "p1", Role: policy.RolePatient}

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPut, `{"phone":"0917 000 0000"}`, &self), rec)
	c.SetParamNames("id")
	c.SetParamValues("p1")

	if err := h.UpdatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var p Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil || p.Phone != "0917 000 0000" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_ChangeRole(t *testing.T) {
	h, env, e := newTestHandler(t)
	env.seed(t, &Patient{ID: "p1", Name: "Ana", Role: policy.RolePatient})

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPut, `{"role":"midwife"}`, &adminActor), rec)
	c.SetParamNames("id")
	c.SetParamValues("p1")

	if err := h.ChangeRole(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"role":"midwife"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_ListPatients_Paginated(t *testing.T) {
	h, env, e := newTestHandler(t)
	for _, id := range []string{"a", "b", "c"} {
		env.seed(t, &Patient{ID: id, Name: strings.ToUpper(id), Role: policy.RolePatient})
	}

	req := jsonRequest(http.MethodGet, "", &adminActor)
	req.URL.RawQuery = "limit=2"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data    []Patient `json:"data"`
		Total   int       `json:"total"`
		HasMore bool      `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(body.Data) != 2 || body.Total != 3 || !body.HasMore {
		t.Errorf("unexpected page %+v", body)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler(t)
	api := e.Group("/api/v1")
	h.RegisterRoutes(api, api.Group("/auth"))

	want := map[string]bool{
		"POST /api/v1/auth/signup":      false,
		"POST /api/v1/auth/login":       false,
		"GET /api/v1/auth/me":           false,
		"PUT /api/v1/patients/:id":      false,
		"GET /api/v1/providers":         false,
		"PUT /api/v1/patients/:id/role": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
