package scheduling

import (
	"strconv"
	"time"
)

const (
	appointmentsCollection = "appointments"
	schedulesCollection    = "doctorSchedules"
	claimsCollection       = "slotClaims"
	profilesCollection     = "patients"
)

// Status is an appointment's lifecycle state.
type Status string

const (
	StatusScheduled          Status = "scheduled"
	StatusCompleted          Status = "completed"
	StatusCancelledByPatient Status = "cancelledByPatient"
	StatusCancelledByDoctor  Status = "cancelledByDoctor"
	StatusCancelledByAdmin   Status = "cancelledByAdmin"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s != StatusScheduled
}

func (s Status) Cancelled() bool {
	switch s {
	case StatusCancelledByPatient, StatusCancelledByDoctor, StatusCancelledByAdmin:
		return true
	}
	return false
}

type Appointment struct {
	ID                       string    `json:"id"`
	PatientID                string    `json:"patientId"`
	DoctorID                 string    `json:"doctorId"`
	AppointmentDateTimeStart time.Time `json:"appointmentDateTimeStart"`
	ReasonForVisit           string    `json:"reasonForVisit"`
	Status                   Status    `json:"status"`
	ConsultationID           string    `json:"consultationId,omitempty"`
	CreatedAt                time.Time `json:"createdAt"`
	UpdatedAt                time.Time `json:"updatedAt"`
}

// Break is a window inside a working day with no bookable slots.
type Break struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// WorkingDay is one weekday of the recurring template. Times are "HH:MM"
// wall-clock in the office time zone.
type WorkingDay struct {
	DayOfWeek int     `json:"dayOfWeek"`
	IsEnabled bool    `json:"isEnabled"`
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime"`
	Breaks    []Break `json:"breaks"`
}

// Schedule is a provider's weekly template. WorkingHours is indexed by
// weekday, Sunday first.
type Schedule struct {
	DoctorID                   string       `json:"doctorId"`
	WorkingHours               []WorkingDay `json:"workingHours"`
	DefaultSlotDurationMinutes int          `json:"defaultSlotDurationMinutes"`
	NoticePeriodHours          int          `json:"noticePeriodHours"`
	UnavailableDates           []string     `json:"unavailableDates"`
	UpdatedAt                  time.Time    `json:"updatedAt"`
}

func (s *Schedule) slotDuration() time.Duration {
	return time.Duration(s.DefaultSlotDurationMinutes) * time.Minute
}

// TimeSlot is a bookable interval.
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (t TimeSlot) overlaps(start, end time.Time) bool {
	return t.Start.Before(end) && start.Before(t.End)
}

// slotClaim reserves one start time for one provider. Its id is unique per
// (doctor, start), so creating it is the atomic part of a booking.
type slotClaim struct {
	DoctorID      string    `json:"doctorId"`
	Start         time.Time `json:"start"`
	AppointmentID string    `json:"appointmentId"`
}

func claimID(doctorID string, start time.Time) string {
	return doctorID + "_" + strconv.FormatInt(start.Unix(), 10)
}
