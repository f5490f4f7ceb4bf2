package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhu/healthrecords/internal/domain/clinical"
	"github.com/rhu/healthrecords/internal/domain/scheduling"
	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

var (
	adminActor  = policy.Actor{ID: "admin-1", Role: policy.RoleAdmin}
	doctorActor = policy.Actor{ID: "doc-1", Role: policy.RoleDoctor}
)

func seedProfiles(t *testing.T, s docstore.Store, roles map[string]string) {
	t.Helper()
	for id, role := range roles {
		require.NoError(t, s.Set(context.Background(), "patients", id, map[string]string{"id": id, "name": id, "role": role}))
	}
}

// everyDay opens 09:00-17:00 all week in 30 minute slots with no notice, so
// the test does not depend on the weekday it runs on.
func everyDay() *scheduling.Schedule {
	days := make([]scheduling.WorkingDay, 7)
	for i := range days {
		days[i] = scheduling.WorkingDay{DayOfWeek: i, IsEnabled: true, StartTime: "09:00", EndTime: "17:00", Breaks: []scheduling.Break{}}
	}
	return &scheduling.Schedule{WorkingHours: days, DefaultSlotDurationMinutes: 30, UnavailableDates: []string{}}
}

func TestBooking_ConcurrentLastSlot(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	patients := map[string]string{"admin-1": "admin", "doc-1": "doctor"}
	for _, id := range []string{"p-1", "p-2", "p-3", "p-4", "p-5", "p-6"} {
		patients[id] = "patient"
	}
	seedProfiles(t, s, patients)

	loc := time.UTC
	resolver := policy.NewResolver(policy.NewIndex(s))
	svc := scheduling.NewService(s, resolver, clinical.NewService(s, resolver), loc, zerolog.Nop())
	_, err := svc.UpsertSchedule(ctx, adminActor, "doc-1", everyDay())
	require.NoError(t, err)

	tomorrow := time.Now().In(loc).AddDate(0, 0, 2)
	start := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 10, 0, 0, 0, loc)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		booked    int
		conflicts int
	)
	for _, id := range []string{"p-1", "p-2", "p-3", "p-4", "p-5", "p-6"} {
		wg.Add(1)
		go func(patientID string) {
			defer wg.Done()
			_, err := svc.Book(ctx, policy.Actor{ID: patientID, Role: policy.RolePatient}, scheduling.BookingRequest{
				DoctorID: "doc-1", Start: start, ReasonForVisit: "checkup",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				booked++
			case apperr.Is(err, apperr.KindSlotConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, booked)
	assert.Equal(t, 5, conflicts)

	appts, err := svc.ListAppointments(ctx, doctorActor, scheduling.AppointmentFilter{})
	require.NoError(t, err)
	require.Len(t, appts, 1)

	slots, err := svc.Availability(ctx, "doc-1", start.Format("2006-01-02"))
	require.NoError(t, err)
	for _, slot := range slots {
		assert.False(t, slot.Start.Equal(start), "booked slot must not be offered")
	}

	// Cancelling releases the claim so the slot can be booked again.
	_, err = svc.Cancel(ctx, adminActor, appts[0].ID)
	require.NoError(t, err)
	_, err = svc.Book(ctx, adminActor, scheduling.BookingRequest{
		PatientID: "p-1", DoctorID: "doc-1", Start: start, ReasonForVisit: "rebooked",
	})
	require.NoError(t, err)
}
