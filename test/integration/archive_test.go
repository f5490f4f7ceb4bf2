package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhu/healthrecords/internal/domain/admin"
	"github.com/rhu/healthrecords/internal/domain/audit"
	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

func TestArchive_PatientRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedProfiles(t, s, map[string]string{"admin-1": "admin", "p-1": "patient"})
	require.NoError(t, s.Set(ctx, "consultations", "c-1", map[string]string{"id": "c-1", "patientId": "p-1"}))
	require.NoError(t, s.Set(ctx, "maternityRecords", "m-1", map[string]interface{}{"id": "m-1", "patientId": "p-1", "pregnancyNumber": 1}))
	require.NoError(t, s.Set(ctx, "babyRecords", "b-1", map[string]string{"id": "b-1", "motherId": "p-1"}))

	creds := auth.NewCredentials(s)
	require.NoError(t, creds.Register(ctx, "admin-1", "admin@rhu.example", "correct horse"))
	require.NoError(t, creds.Register(ctx, "p-1", "ana@rhu.example", "ana-secret"))
	emitter := audit.NewEmitter(s, zerolog.Nop(), audit.NewStoreSink(s))
	svc := admin.NewService(s, policy.NewResolver(policy.NewIndex(s)), creds, emitter)

	res, err := svc.Archive(ctx, adminActor, admin.KindPatient, "p-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"consultations": 1, "maternity-records": 1, "babies": 1}, res.Cascaded)

	for coll, id := range map[string]string{"patients": "p-1", "consultations": "c-1", "maternityRecords": "m-1", "babyRecords": "b-1"} {
		_, err := s.Get(ctx, coll, id)
		assert.True(t, errors.Is(err, docstore.ErrNotFound), "%s/%s should be archived", coll, id)
	}

	_, err = svc.Restore(ctx, adminActor, admin.KindPatient, "p-1")
	require.NoError(t, err)
	doc, err := s.Get(ctx, "babyRecords", "b-1")
	require.NoError(t, err)
	var baby map[string]interface{}
	require.NoError(t, doc.Decode(&baby))
	assert.NotContains(t, baby, "archivedAt")

	_, err = svc.Archive(ctx, adminActor, admin.KindPatient, "p-1")
	require.NoError(t, err)
	require.NoError(t, svc.Purge(ctx, adminActor, admin.KindPatient, "p-1", "correct horse"))

	_, err = creds.Verify(ctx, "ana@rhu.example", "ana-secret")
	assert.Error(t, err, "purged patient can no longer log in")

	entries, err := emitter.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}
