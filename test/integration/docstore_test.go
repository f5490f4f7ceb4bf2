package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhu/healthrecords/internal/platform/docstore"
)

type appt struct {
	ID       string `json:"id"`
	DoctorID string `json:"doctorId"`
	Start    string `json:"appointmentDateTimeStart"`
	Status   string `json:"status,omitempty"`
}

func ids(docs []docstore.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

// waitSnapshot reads snapshots until one satisfies ok. Postgres delivers
// changes through LISTEN/NOTIFY, so intermediate states may be observed.
func waitSnapshot(t *testing.T, ch <-chan docstore.Snapshot, ok func(docstore.Snapshot) bool) docstore.Snapshot {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case snap, open := <-ch:
			require.True(t, open, "subscription closed")
			require.NoError(t, snap.Err)
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestPostgresStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, "patients", "nobody")
		assert.True(t, errors.Is(err, docstore.ErrNotFound))
	})

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "patients", "p1", map[string]string{"id": "p1", "name": "Ana Cruz", "role": "patient"}))
		doc, err := s.Get(ctx, "patients", "p1")
		require.NoError(t, err)
		var got map[string]string
		require.NoError(t, doc.Decode(&got))
		assert.Equal(t, "Ana Cruz", got["name"])
	})

	t.Run("CreateConflict", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, "slotClaims", "doc-1_1700000000", map[string]string{"appointmentId": "a1"}))
		err := s.Create(ctx, "slotClaims", "doc-1_1700000000", map[string]string{"appointmentId": "a2"})
		assert.True(t, errors.Is(err, docstore.ErrAlreadyExists), "got %v", err)
	})

	t.Run("MergeRemovesNilFields", func(t *testing.T) {
		require.NoError(t, s.Merge(ctx, "patients", "p1", map[string]interface{}{"role": nil, "contactNumber": "0917"}))
		doc, err := s.Get(ctx, "patients", "p1")
		require.NoError(t, err)
		var got map[string]interface{}
		require.NoError(t, doc.Decode(&got))
		assert.NotContains(t, got, "role")
		assert.Equal(t, "0917", got["contactNumber"])
		assert.Equal(t, "Ana Cruz", got["name"])
	})

	t.Run("MergeMissing", func(t *testing.T) {
		err := s.Merge(ctx, "patients", "ghost", map[string]interface{}{"name": "x"})
		assert.True(t, errors.Is(err, docstore.ErrNotFound))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "patients", "p1"))
		require.NoError(t, s.Delete(ctx, "patients", "p1"))
		_, err := s.Get(ctx, "patients", "p1")
		assert.True(t, errors.Is(err, docstore.ErrNotFound))
	})
}

func TestPostgresStore_Query(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, a := range []appt{
		{ID: "a1", DoctorID: "d1", Start: "2024-03-04T09:00:00Z", Status: "scheduled"},
		{ID: "a2", DoctorID: "d2", Start: "2024-03-04T08:00:00Z", Status: "scheduled"},
		{ID: "a3", DoctorID: "d1", Start: "2024-03-04T08:30:00Z", Status: "completed"},
		{ID: "a4", DoctorID: "d1", Start: "2024-03-05T10:00:00Z", Status: "scheduled"},
	} {
		require.NoError(t, s.Set(ctx, "appointments", a.ID, a))
	}

	docs, err := s.Query(ctx, docstore.Query{Collection: "appointments", OrderBy: "appointmentDateTimeStart"}.Eq("doctorId", "d1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a3", "a1", "a4"}, ids(docs))

	docs, err = s.Query(ctx, docstore.Query{Collection: "appointments", OrderBy: "appointmentDateTimeStart", LimitToLast: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a4"}, ids(docs))

	docs, err = s.Query(ctx, docstore.Query{Collection: "appointments"}.Eq("doctorId", "d1").Eq("status", "scheduled"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a4"}, ids(docs))
}

func TestPostgresStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Set(ctx, "appointments", "a1", appt{ID: "a1", DoctorID: "d1"}))

	ch, cancel, err := s.Subscribe(ctx, docstore.Query{Collection: "appointments"}.Eq("doctorId", "d1"))
	require.NoError(t, err)
	defer cancel()

	waitSnapshot(t, ch, func(s docstore.Snapshot) bool { return assert.ObjectsAreEqual([]string{"a1"}, ids(s.Docs)) })

	require.NoError(t, s.Set(ctx, "appointments", "a2", appt{ID: "a2", DoctorID: "d1"}))
	waitSnapshot(t, ch, func(s docstore.Snapshot) bool { return len(s.Docs) == 2 })

	require.NoError(t, s.Delete(ctx, "appointments", "a1"))
	snap := waitSnapshot(t, ch, func(s docstore.Snapshot) bool { return len(s.Docs) == 1 })
	assert.Equal(t, []string{"a2"}, ids(snap.Docs))
}

func TestPostgresStore_Export(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Set(ctx, "patients", "p1", map[string]string{"name": "Ana"}))
	require.NoError(t, s.Set(ctx, "credentials", "ana@example.com", map[string]string{"hash": "x"}))

	tree, err := s.Export(ctx)
	require.NoError(t, err)
	assert.Contains(t, tree, "patients")
	assert.Contains(t, tree, "credentials")
	assert.JSONEq(t, `{"name":"Ana"}`, string(tree["patients"]["p1"]))
}
