package scheduling

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhu/healthrecords/internal/domain/clinical"
	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

var (
	adminActor   = policy.Actor{ID: "admin-1", Role: policy.RoleAdmin}
	doctorActor  = policy.Actor{ID: "doc-1", Role: policy.RoleDoctor}
	midwifeActor = policy.Actor{ID: "mw-1", Role: policy.RoleMidwife}
	patientActor = policy.Actor{ID: "p-1", Role: policy.RolePatient}
	otherPatient = policy.Actor{ID: "p-2", Role: policy.RolePatient}
)

type testEnv struct {
	store *docstore.MemoryStore
	svc   *Service
}

// newTestEnv starts the clock at Monday 2024-03-04 08:00 office time with
// doc-1 working weekdays 09:00-17:00 on a 24 hour notice.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	for id, role := range map[string]policy.Role{
		"admin-1": policy.RoleAdmin, "doc-1": policy.RoleDoctor, "mw-1": policy.RoleMidwife,
		"p-1": policy.RolePatient, "p-2": policy.RolePatient,
	} {
		require.NoError(t, store.Set(ctx, profilesCollection, id, map[string]string{"id": id, "role": string(role)}))
	}
	resolver := policy.NewResolver(policy.NewIndex(store))
	svc := NewService(store, resolver, clinical.NewService(store, resolver), manila, zerolog.Nop())
	svc.now = func() time.Time { return day(4, 8, 0) }

	sched := weekdaySchedule(24, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
	_, err := svc.UpsertSchedule(ctx, adminActor, "doc-1", sched)
	require.NoError(t, err)
	return &testEnv{store: store, svc: svc}
}

func (e *testEnv) book(t *testing.T, actor policy.Actor, start time.Time) *Appointment {
	t.Helper()
	appt, err := e.svc.Book(context.Background(), actor, BookingRequest{
		PatientID: "p-1", DoctorID: "doc-1", Start: start, ReasonForVisit: "prenatal checkup",
	})
	require.NoError(t, err)
	return appt
}

func TestUpsertSchedule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	got, err := env.svc.GetSchedule(ctx, doctorActor, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", got.DoctorID)
	assert.Len(t, got.WorkingHours, 7)

	_, err = env.svc.UpsertSchedule(ctx, doctorActor, "doc-1", weekdaySchedule(0, time.Monday))
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied), "providers cannot edit schedules: %v", err)

	_, err = env.svc.GetSchedule(ctx, midwifeActor, "doc-1")
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied), "other providers cannot read: %v", err)

	_, err = env.svc.UpsertSchedule(ctx, adminActor, "p-1", weekdaySchedule(0, time.Monday))
	assert.True(t, apperr.Is(err, apperr.KindValidation), "schedule owner must be a provider: %v", err)

	bad := weekdaySchedule(0, time.Monday)
	bad.WorkingHours = bad.WorkingHours[:5]
	_, err = env.svc.UpsertSchedule(ctx, adminActor, "mw-1", bad)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

	_, err = env.svc.GetSchedule(ctx, midwifeActor, "mw-1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "rejected schedule must not be stored: %v", err)
}

func TestAvailability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	monday, err := env.svc.Availability(ctx, "doc-1", "2024-03-04")
	require.NoError(t, err)
	assert.Empty(t, monday, "all of monday is inside the notice period")

	tuesday, err := env.svc.Availability(ctx, "doc-1", "2024-03-05")
	require.NoError(t, err)
	require.Len(t, tuesday, 16)
	assert.True(t, tuesday[0].Start.Equal(day(5, 9, 0)))

	none, err := env.svc.Availability(ctx, "mw-1", "2024-03-05")
	require.NoError(t, err)
	assert.Empty(t, none, "no schedule means no slots")

	_, err = env.svc.Availability(ctx, "doc-1", "05/03/2024")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestNextAvailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.book(t, patientActor, day(5, 9, 0))

	slots, err := env.svc.NextAvailable(ctx, "doc-1", 14, 2)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.True(t, slots[0].Start.Equal(day(5, 9, 30)), "got %v", slots[0].Start)

	_, err = env.svc.NextAvailable(ctx, "doc-1", 0, 1)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestBook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	appt, err := env.svc.Book(ctx, patientActor, BookingRequest{DoctorID: "doc-1", Start: day(5, 10, 0), ReasonForVisit: "fever"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", appt.PatientID, "patients book for themselves by default")
	assert.Equal(t, StatusScheduled, appt.Status)

	// The booking creates the care relationship.
	related, err := policy.NewIndex(env.store).HasRelationship(ctx, "doc-1", "p-1")
	require.NoError(t, err)
	assert.True(t, related)

	_, err = env.svc.Book(ctx, otherPatient, BookingRequest{PatientID: "p-2", DoctorID: "doc-1", Start: day(5, 10, 0), ReasonForVisit: "cough"})
	assert.True(t, apperr.Is(err, apperr.KindSlotConflict), "same slot again: %v", err)

	tests := []struct {
		name  string
		actor policy.Actor
		req   BookingRequest
		kind  apperr.Kind
	}{
		{"inside notice", patientActor, BookingRequest{DoctorID: "doc-1", Start: day(4, 15, 0), ReasonForVisit: "x"}, apperr.KindSlotConflict},
		{"off grid", patientActor, BookingRequest{DoctorID: "doc-1", Start: day(5, 10, 10), ReasonForVisit: "x"}, apperr.KindSlotConflict},
		{"weekend", patientActor, BookingRequest{DoctorID: "doc-1", Start: day(9, 10, 0), ReasonForVisit: "x"}, apperr.KindSlotConflict},
		{"for another patient", patientActor, BookingRequest{PatientID: "p-2", DoctorID: "doc-1", Start: day(5, 11, 0), ReasonForVisit: "x"}, apperr.KindAccessDenied},
		{"another provider's book", midwifeActor, BookingRequest{PatientID: "p-1", DoctorID: "doc-1", Start: day(5, 11, 0), ReasonForVisit: "x"}, apperr.KindAccessDenied},
		{"no reason", patientActor, BookingRequest{DoctorID: "doc-1", Start: day(5, 11, 0)}, apperr.KindValidation},
		{"doctor is a patient", adminActor, BookingRequest{PatientID: "p-1", DoctorID: "p-2", Start: day(5, 11, 0), ReasonForVisit: "x"}, apperr.KindValidation},
		{"no schedule", adminActor, BookingRequest{PatientID: "p-1", DoctorID: "mw-1", Start: day(5, 11, 0), ReasonForVisit: "x"}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Book(ctx, tt.actor, tt.req)
			assert.True(t, apperr.Is(err, tt.kind), "expected %s, got %v", tt.kind, err)
		})
	}
}

func TestBook_ConcurrentLastSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sched := weekdaySchedule(24, time.Tuesday)
	sched.WorkingHours[time.Tuesday].EndTime = "09:30"
	_, err := env.svc.UpsertSchedule(ctx, adminActor, "doc-1", sched)
	require.NoError(t, err)

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(patient string) {
			defer wg.Done()
			_, err := env.svc.Book(ctx, adminActor, BookingRequest{
				PatientID: patient, DoctorID: "doc-1", Start: day(5, 9, 0), ReasonForVisit: "last slot",
			})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}([]string{"p-1", "p-2"}[i%2])
	}
	wg.Wait()

	booked, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			booked++
		case apperr.Is(err, apperr.KindSlotConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, booked)
	assert.Equal(t, callers-1, conflicts)

	appts, err := env.svc.ListAppointments(ctx, adminActor, AppointmentFilter{DoctorID: "doc-1"})
	require.NoError(t, err)
	assert.Len(t, appts, 1)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appt := env.book(t, adminActor, day(5, 9, 0))

	_, err := env.svc.Cancel(ctx, otherPatient, appt.ID)
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied), "got %v", err)

	got, err := env.svc.Cancel(ctx, patientActor, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByPatient, got.Status)

	_, err = env.svc.Cancel(ctx, adminActor, appt.ID)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "cancelled is terminal: %v", err)

	// The freed slot can be booked again.
	again := env.book(t, patientActor, day(5, 9, 0))
	got, err = env.svc.Cancel(ctx, doctorActor, again.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByDoctor, got.Status)

	third := env.book(t, patientActor, day(5, 9, 0))
	got, err = env.svc.Cancel(ctx, adminActor, third.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByAdmin, got.Status)
}

// faultyStore fails writes to the listed collections.
type faultyStore struct {
	docstore.Store
	failCreate string
	failDelete string
}

var errInjected = errors.New("write failed")

func (f *faultyStore) Create(ctx context.Context, collection, id string, value interface{}) error {
	if collection == f.failCreate {
		return errInjected
	}
	return f.Store.Create(ctx, collection, id, value)
}

func (f *faultyStore) Delete(ctx context.Context, collection, id string) error {
	if collection == f.failDelete {
		return errInjected
	}
	return f.Store.Delete(ctx, collection, id)
}

func (e *testEnv) withStore(store docstore.Store, logs *bytes.Buffer) *Service {
	resolver := policy.NewResolver(policy.NewIndex(e.store))
	svc := NewService(store, resolver, clinical.NewService(e.store, resolver), manila, zerolog.New(logs))
	svc.now = e.svc.now
	return svc
}

func TestCancel_ReleaseFailureStillCancels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appt := env.book(t, adminActor, day(5, 9, 0))

	var logs bytes.Buffer
	svc := env.withStore(&faultyStore{Store: env.store, failDelete: claimsCollection}, &logs)

	got, err := svc.Cancel(ctx, patientActor, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByPatient, got.Status)

	stored, err := docstore.GetAs[Appointment](ctx, env.store, appointmentsCollection, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByPatient, stored.Status)
	assert.Contains(t, logs.String(), "failed to release slot claim")
	assert.Contains(t, logs.String(), claimID("doc-1", day(5, 9, 0)))
}

func TestBook_SaveFailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := BookingRequest{PatientID: "p-1", DoctorID: "doc-1", Start: day(5, 9, 0), ReasonForVisit: "checkup"}

	var logs bytes.Buffer
	svc := env.withStore(&faultyStore{Store: env.store, failCreate: appointmentsCollection}, &logs)
	_, err := svc.Book(ctx, adminActor, req)
	assert.True(t, apperr.Is(err, apperr.KindStore), "got %v", err)
	assert.Empty(t, logs.String())

	_, err = env.store.Get(ctx, claimsCollection, claimID("doc-1", day(5, 9, 0)))
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	_, err = env.svc.Book(ctx, adminActor, req)
	require.NoError(t, err)
}

func TestBook_FailedRollbackIsLogged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var logs bytes.Buffer
	svc := env.withStore(&faultyStore{Store: env.store, failCreate: appointmentsCollection, failDelete: claimsCollection}, &logs)
	_, err := svc.Book(ctx, adminActor, BookingRequest{PatientID: "p-1", DoctorID: "doc-1", Start: day(5, 9, 0), ReasonForVisit: "checkup"})
	assert.True(t, apperr.Is(err, apperr.KindStore), "got %v", err)
	assert.Contains(t, logs.String(), "failed to release slot claim")
}

func TestComplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	appt := env.book(t, patientActor, day(5, 9, 0))

	_, err := env.svc.Complete(ctx, patientActor, appt.ID, CompletionRequest{Notes: "done"})
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied), "patients cannot complete: %v", err)

	_, err = env.svc.Complete(ctx, doctorActor, appt.ID, CompletionRequest{})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "notes required: %v", err)

	got, err := env.svc.Complete(ctx, doctorActor, appt.ID, CompletionRequest{Notes: "bp normal", Diagnosis: "healthy pregnancy"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotEmpty(t, got.ConsultationID)

	c, err := docstore.GetAs[clinical.Consultation](ctx, env.store, "consultations", got.ConsultationID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, c.AppointmentID)
	assert.Equal(t, "doc-1", c.DoctorID)
	assert.True(t, c.Date.Equal(day(5, 9, 0)))

	_, err = env.svc.Cancel(ctx, patientActor, appt.ID)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "completed is terminal: %v", err)

	slots, err := env.svc.Availability(ctx, "doc-1", "2024-03-05")
	require.NoError(t, err)
	for _, s := range slots {
		assert.False(t, s.Start.Equal(day(5, 9, 0)), "completed appointment still occupies its slot")
	}
}

func TestListAppointments_Scope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.book(t, patientActor, day(6, 9, 0))
	env.book(t, patientActor, day(5, 9, 0))
	_, err := env.svc.Book(ctx, adminActor, BookingRequest{PatientID: "p-2", DoctorID: "doc-1", Start: day(5, 10, 0), ReasonForVisit: "x"})
	require.NoError(t, err)

	own, err := env.svc.ListAppointments(ctx, patientActor, AppointmentFilter{})
	require.NoError(t, err)
	require.Len(t, own, 2)
	assert.True(t, own[0].AppointmentDateTimeStart.Before(own[1].AppointmentDateTimeStart))

	_, err = env.svc.ListAppointments(ctx, patientActor, AppointmentFilter{PatientID: "p-2"})
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))

	mine, err := env.svc.ListAppointments(ctx, doctorActor, AppointmentFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	none, err := env.svc.ListAppointments(ctx, midwifeActor, AppointmentFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)

	scheduled, err := env.svc.ListAppointments(ctx, adminActor, AppointmentFilter{Status: StatusScheduled, PatientID: "p-2"})
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)
}
