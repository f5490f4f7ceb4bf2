package scheduling

import (
	"fmt"
	"time"

	"github.com/rhu/healthrecords/internal/platform/apperr"
)

// MaxSearchDays bounds AvailableSlotsBetween.
const MaxSearchDays = 92

// parseClock turns "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// at returns the wall-clock minute of day on the given date, in the date's
// location.
func at(date time.Time, minute int) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, minute/60, minute%60, 0, 0, date.Location())
}

func isUnavailable(s *Schedule, date time.Time) bool {
	day := date.Format(time.DateOnly)
	for _, u := range s.UnavailableDates {
		if u == day {
			return true
		}
	}
	return false
}

// ComputeAvailableSlots lists the free slots of one date, in order. The date
// is taken in its own location, which should be the office time zone.
//
// A slot is dropped when its weekday is disabled or the date is listed as
// unavailable, when it intersects a break or a non-cancelled appointment of
// the schedule's provider, or when it starts before the notice period ends.
// Each appointment occupies one default slot duration from its start.
func ComputeAvailableSlots(schedule *Schedule, date time.Time, appointments []Appointment, now time.Time) []TimeSlot {
	if schedule == nil || len(schedule.WorkingHours) != 7 || schedule.DefaultSlotDurationMinutes <= 0 {
		return nil
	}
	day := schedule.WorkingHours[int(date.Weekday())]
	if !day.IsEnabled || isUnavailable(schedule, date) {
		return nil
	}
	open, err := parseClock(day.StartTime)
	if err != nil {
		return nil
	}
	closing, err := parseClock(day.EndTime)
	if err != nil {
		return nil
	}

	var breaks []TimeSlot
	for _, b := range day.Breaks {
		bs, err1 := parseClock(b.StartTime)
		be, err2 := parseClock(b.EndTime)
		if err1 != nil || err2 != nil {
			continue
		}
		breaks = append(breaks, TimeSlot{Start: at(date, bs), End: at(date, be)})
	}

	step := schedule.DefaultSlotDurationMinutes
	length := schedule.slotDuration()
	earliest := now.Add(time.Duration(schedule.NoticePeriodHours) * time.Hour)

	var slots []TimeSlot
	for m := open; m+step <= closing; m += step {
		slot := TimeSlot{Start: at(date, m), End: at(date, m+step)}
		if slot.Start.Before(earliest) {
			continue
		}
		if intersectsAny(slot, breaks) {
			continue
		}
		if booked(slot, schedule.DoctorID, appointments, length) {
			continue
		}
		slots = append(slots, slot)
	}
	return slots
}

func intersectsAny(slot TimeSlot, windows []TimeSlot) bool {
	for _, w := range windows {
		if slot.overlaps(w.Start, w.End) {
			return true
		}
	}
	return false
}

func booked(slot TimeSlot, doctorID string, appointments []Appointment, length time.Duration) bool {
	for _, a := range appointments {
		if a.Status.Cancelled() {
			continue
		}
		if doctorID != "" && a.DoctorID != doctorID {
			continue
		}
		start := a.AppointmentDateTimeStart
		if slot.overlaps(start, start.Add(length)) {
			return true
		}
	}
	return false
}

// AvailableSlotsBetween walks the dates from from to to (at most
// MaxSearchDays) and returns the free slots starting in [from, to).
func AvailableSlotsBetween(schedule *Schedule, from, to time.Time, appointments []Appointment, now time.Time) []TimeSlot {
	if !from.Before(to) {
		return nil
	}
	var out []TimeSlot
	date := at(from, 0)
	for i := 0; i < MaxSearchDays && date.Before(to); i++ {
		for _, s := range ComputeAvailableSlots(schedule, date, appointments, now) {
			if !s.Start.Before(from) && s.Start.Before(to) {
				out = append(out, s)
			}
		}
		date = at(date.AddDate(0, 0, 1), 0)
	}
	return out
}

// ValidateSchedule checks the weekly template shape and every time field.
func ValidateSchedule(s *Schedule) error {
	details := map[string]string{}
	if len(s.WorkingHours) != 7 {
		details["workingHours"] = "must have exactly 7 entries, Sunday first"
	}
	if s.DefaultSlotDurationMinutes <= 0 || s.DefaultSlotDurationMinutes > 24*60 {
		details["defaultSlotDurationMinutes"] = "must be between 1 and 1440"
	}
	if s.NoticePeriodHours < 0 {
		details["noticePeriodHours"] = "must not be negative"
	}
	for i, d := range s.UnavailableDates {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			details[fmt.Sprintf("unavailableDates[%d]", i)] = "must be YYYY-MM-DD"
		}
	}
	if len(s.WorkingHours) == 7 {
		for i, d := range s.WorkingHours {
			field := fmt.Sprintf("workingHours[%d]", i)
			if d.DayOfWeek != i {
				details[field+".dayOfWeek"] = fmt.Sprintf("must be %d", i)
			}
			if !d.IsEnabled {
				continue
			}
			if msg := checkWindow(d.StartTime, d.EndTime); msg != "" {
				details[field] = msg
				continue
			}
			open, _ := parseClock(d.StartTime)
			closing, _ := parseClock(d.EndTime)
			for j, b := range d.Breaks {
				bf := fmt.Sprintf("%s.breaks[%d]", field, j)
				if msg := checkWindow(b.StartTime, b.EndTime); msg != "" {
					details[bf] = msg
					continue
				}
				bs, _ := parseClock(b.StartTime)
				be, _ := parseClock(b.EndTime)
				if bs < open || be > closing {
					details[bf] = "must fall within working hours"
				}
			}
		}
	}
	if len(details) > 0 {
		return apperr.ValidationFields(details)
	}
	return nil
}

func checkWindow(start, end string) string {
	s, err := parseClock(start)
	if err != nil {
		return "startTime must be HH:MM"
	}
	e, err := parseClock(end)
	if err != nil {
		return "endTime must be HH:MM"
	}
	if s >= e {
		return "startTime must be before endTime"
	}
	return ""
}
