// Package llm is a small client for OpenAI-compatible chat completion
// endpoints that return JSON constrained by a schema.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rhu/healthrecords/internal/platform/metrics"
)

// ErrDisabled is returned when no endpoint is configured.
var ErrDisabled = errors.New("llm: completion service not configured")

// ErrInvalidOutput is returned when the model's answer does not satisfy
// the request schema.
var ErrInvalidOutput = errors.New("llm: model output does not match schema")

// Completer produces structured completions. Services depend on this rather
// than on *Client.
type Completer interface {
	CompleteJSON(ctx context.Context, req Request, out interface{}) error
}

// Request is one structured completion.
type Request struct {
	// Name labels metrics and names the response schema.
	Name   string
	System string
	User   string
	// Schema is the JSON schema of the expected response object.
	Schema json.RawMessage
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to a chat completions endpoint.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewClient returns a client for endpoint, the full chat completions URL.
func NewClient(endpoint, apiKey, model string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: timeout},
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
	Temperature    float64        `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CompleteJSON sends req, validates the model's JSON answer against
// req.Schema and decodes it into out.
func (c *Client) CompleteJSON(ctx context.Context, req Request, out interface{}) (err error) {
	if !c.Enabled() {
		return ErrDisabled
	}
	schema, err := c.compile(req)
	if err != nil {
		return err
	}
	start := time.Now()
	defer func() { metrics.RecordLLMRequest(req.Name, time.Since(start), err) }()

	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		ResponseFormat: responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaFormat{Name: req.Name, Strict: true, Schema: req.Schema},
		},
		Temperature: 0.2,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read completion response: %w", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return fmt.Errorf("decode completion response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if cr.Error != nil && cr.Error.Message != "" {
			msg = cr.Error.Message
		}
		return fmt.Errorf("completion service returned %d: %s", resp.StatusCode, msg)
	}
	if len(cr.Choices) == 0 {
		return errors.New("completion service returned no choices")
	}

	content := strings.TrimSpace(cr.Choices[0].Message.Content)
	if schema != nil {
		var doc interface{}
		dec := json.NewDecoder(strings.NewReader(content))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
		}
		if err := schema.Validate(doc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
		}
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

// compile returns the compiled schema for req, caching it by name. Requests
// without a schema are not validated.
func (c *Client) compile(req Request) (*jsonschema.Schema, error) {
	if len(req.Schema) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sch, ok := c.schemas[req.Name]; ok {
		return sch, nil
	}
	url := "mem://llm/" + req.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(req.Schema)); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", req.Name, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", req.Name, err)
	}
	c.schemas[req.Name] = sch
	return sch, nil
}
