package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type answer struct {
	Items []string `json:"items"`
}

func fakeCompletions(t *testing.T, status int, body string, seen *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if seen != nil {
			if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
				t.Errorf("invalid request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestClient_Disabled(t *testing.T) {
	c := NewClient("", "", "m", time.Second)
	if c.Enabled() {
		t.Error("expected client without endpoint to be disabled")
	}
	var out answer
	if err := c.CompleteJSON(context.Background(), Request{Name: "x"}, &out); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestClient_CompleteJSON(t *testing.T) {
	var seen chatRequest
	srv := fakeCompletions(t, http.StatusOK,
		`{"choices":[{"message":{"role":"assistant","content":"{\"items\":[\"rest\",\"fluids\"]}"}}]}`, &seen)
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "gpt-4o-mini", time.Second)
	var out answer
	err := c.CompleteJSON(context.Background(), Request{
		Name:   "pre_diagnosis",
		System: "sys",
		User:   "fever",
		Schema: json.RawMessage(`{"type":"object"}`),
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Items) != 2 || out.Items[0] != "rest" {
		t.Errorf("unexpected output %+v", out)
	}
	if seen.Model != "gpt-4o-mini" || len(seen.Messages) != 2 || seen.Messages[1].Content != "fever" {
		t.Errorf("unexpected request %+v", seen)
	}
	if seen.ResponseFormat.Type != "json_schema" || seen.ResponseFormat.JSONSchema.Name != "pre_diagnosis" {
		t.Errorf("expected json_schema response format, got %+v", seen.ResponseFormat)
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := fakeCompletions(t, http.StatusTooManyRequests, `{"error":{"message":"quota exceeded"}}`, nil)
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "m", time.Second)
	var out answer
	err := c.CompleteJSON(context.Background(), Request{Name: "x"}, &out)
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("expected quota error, got %v", err)
	}
}

func TestClient_MalformedModelOutput(t *testing.T) {
	srv := fakeCompletions(t, http.StatusOK, `{"choices":[{"message":{"content":"not json"}}]}`, nil)
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "m", time.Second)
	var out answer
	if err := c.CompleteJSON(context.Background(), Request{Name: "x"}, &out); err == nil {
		t.Error("expected decode error")
	}
}

func TestClient_NoChoices(t *testing.T) {
	srv := fakeCompletions(t, http.StatusOK, `{"choices":[]}`, nil)
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "m", time.Second)
	var out answer
	if err := c.CompleteJSON(context.Background(), Request{Name: "x"}, &out); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestClient_SchemaViolation(t *testing.T) {
	schema := json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["possibleConditions", "suggestedActions"],
  "properties": {
    "possibleConditions": {"type": "array", "items": {"type": "string"}},
    "suggestedActions": {"type": "array", "items": {"type": "string"}}
  }
}`)
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", `{"possibleConditions":["flu"],"suggestedActions":["rest"]}`, false},
		{"missing required field", `{"possibleConditions":["flu"]}`, true},
		{"extra property", `{"possibleConditions":["flu"],"suggestedActions":[],"unexpected":1}`, true},
		{"wrong item type", `{"possibleConditions":[1],"suggestedActions":[]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, _ := json.Marshal(tt.content)
			srv := fakeCompletions(t, http.StatusOK, `{"choices":[{"message":{"content":`+string(content)+`}}]}`, nil)
			defer srv.Close()

			c := NewClient(srv.URL, "secret", "m", time.Second)
			var out map[string]interface{}
			err := c.CompleteJSON(context.Background(), Request{Name: "pre_diagnosis", Schema: schema}, &out)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOutput) {
					t.Fatalf("expected ErrInvalidOutput, got %v", err)
				}
				if out != nil {
					t.Errorf("invalid output must not be decoded, got %v", out)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestClient_InvalidSchema(t *testing.T) {
	srv := fakeCompletions(t, http.StatusOK, `{"choices":[{"message":{"content":"{}"}}]}`, nil)
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "m", time.Second)
	var out answer
	err := c.CompleteJSON(context.Background(), Request{Name: "broken", Schema: json.RawMessage(`{"type":`)}, &out)
	if err == nil || errors.Is(err, ErrInvalidOutput) {
		t.Errorf("expected schema load error, got %v", err)
	}
}
