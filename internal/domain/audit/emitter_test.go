package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

var admin = policy.Actor{ID: "admin-1", Role: policy.RoleAdmin, Name: "Dr. Admin"}

type failingSink struct{ calls int }

func (s *failingSink) Name() string { return "failing" }
func (s *failingSink) Write(context.Context, Entry) error {
	s.calls++
	return errors.New("sink down")
}

type fakePublisher struct {
	keys   []string
	values []interface{}
}

func (p *fakePublisher) Publish(_ context.Context, key string, value interface{}) error {
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}

func newTestEmitter(store docstore.Store, sinks ...Sink) *Emitter {
	all := append([]Sink{NewStoreSink(store)}, sinks...)
	e := NewEmitter(store, zerolog.Nop(), all...)
	return e
}

func TestEmitter_RecordWritesEntry(t *testing.T) {
	store := docstore.NewMemoryStore()
	e := newTestEmitter(store)
	e.now = func() time.Time { return time.UnixMilli(1700000000123) }

	e.Record(context.Background(), admin, Event{
		Action:      ActionRoleChange,
		Description: "changed role of p1 to doctor",
		TargetID:    "p1",
		TargetType:  "patients",
		Details:     map[string]interface{}{"from": "patient", "to": "doctor"},
	})

	entries, err := e.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, int64(1700000000123), got.Timestamp)
	assert.Equal(t, "admin-1", got.UserID)
	assert.Equal(t, "Dr. Admin", got.UserName)
	assert.Equal(t, policy.RoleAdmin, got.UserRole)
	assert.Equal(t, ActionRoleChange, got.Action)
	assert.Equal(t, "p1", got.TargetID)
	assert.Equal(t, "doctor", got.Details["to"])
}

func TestEmitter_SinkFailureIsSwallowed(t *testing.T) {
	store := docstore.NewMemoryStore()
	bad := &failingSink{}
	e := newTestEmitter(store, bad)

	e.Record(context.Background(), admin, Event{Action: ActionDelete, TargetID: "c1"})

	assert.Equal(t, 1, bad.calls)
	entries, err := e.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "healthy sinks still receive the entry")
}

func TestEmitter_CancelledContextStillWrites(t *testing.T) {
	store := docstore.NewMemoryStore()
	e := newTestEmitter(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Record(ctx, admin, Event{Action: ActionBackupDownload})

	entries, err := e.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEmitter_RecentNewestFirst(t *testing.T) {
	store := docstore.NewMemoryStore()
	e := newTestEmitter(store)
	clock := time.UnixMilli(1000)
	e.now = func() time.Time { return clock }

	for i, action := range []Action{ActionDelete, ActionRestore, ActionPermanentDelete} {
		clock = time.UnixMilli(int64(1000 + i))
		e.Record(context.Background(), admin, Event{Action: action})
	}

	entries, err := e.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionPermanentDelete, entries[0].Action)
	assert.Equal(t, ActionRestore, entries[1].Action)
}

func TestKafkaSink_PublishesByID(t *testing.T) {
	store := docstore.NewMemoryStore()
	pub := &fakePublisher{}
	e := newTestEmitter(store, NewKafkaSink(pub))

	e.Record(context.Background(), admin, Event{Action: ActionRestore, TargetID: "p2"})

	require.Len(t, pub.keys, 1)
	entry, ok := pub.values[0].(Entry)
	require.True(t, ok)
	assert.Equal(t, entry.ID, pub.keys[0])
	assert.Equal(t, "p2", entry.TargetID)
}

func TestHandler_ListRecent(t *testing.T) {
	store := docstore.NewMemoryStore()
	e := newTestEmitter(store)
	e.Record(context.Background(), admin, Event{Action: ActionDelete})
	h := NewHandler(e, policy.NewResolver(policy.NewIndex(store)))

	ec := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/audit-logs?limit=5", nil)
	req = req.WithContext(auth.WithActor(req.Context(), admin))
	rec := httptest.NewRecorder()
	c := ec.NewContext(req, rec)

	if err := h.ListRecent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var got []Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || len(got) != 1 {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_ListRecent_DeniedForDoctor(t *testing.T) {
	store := docstore.NewMemoryStore()
	h := NewHandler(newTestEmitter(store), policy.NewResolver(policy.NewIndex(store)))

	ec := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/audit-logs", nil)
	req = req.WithContext(auth.WithActor(req.Context(), policy.Actor{ID: "d1", Role: policy.RoleDoctor}))
	c := ec.NewContext(req, httptest.NewRecorder())

	if err := h.ListRecent(c); err == nil {
		t.Error("expected access denied for doctor")
	}
}

func TestHandler_ListRecent_BadLimit(t *testing.T) {
	store := docstore.NewMemoryStore()
	h := NewHandler(newTestEmitter(store), policy.NewResolver(policy.NewIndex(store)))

	ec := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/audit-logs?limit=abc", nil)
	req = req.WithContext(auth.WithActor(req.Context(), admin))
	c := ec.NewContext(req, httptest.NewRecorder())

	err := h.ListRecent(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
