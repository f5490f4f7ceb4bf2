package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rhu/healthrecords/internal/domain/clinical"
	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/metrics"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

// ConsultationWriter records the consultation a completed appointment
// produces.
type ConsultationWriter interface {
	CreateConsultation(ctx context.Context, actor policy.Actor, in clinical.ConsultationInput) (*clinical.Consultation, error)
}

// BookingRequest asks for one slot. PatientID defaults to the booking
// patient.
type BookingRequest struct {
	PatientID      string    `json:"patientId"`
	DoctorID       string    `json:"doctorId"`
	Start          time.Time `json:"appointmentDateTimeStart"`
	ReasonForVisit string    `json:"reasonForVisit"`
}

// CompletionRequest carries the visit notes recorded on completion.
type CompletionRequest struct {
	Notes         string `json:"notes"`
	Diagnosis     string `json:"diagnosis"`
	TreatmentPlan string `json:"treatmentPlan"`
}

// AppointmentFilter narrows ListAppointments. Empty fields match all.
type AppointmentFilter struct {
	PatientID string
	DoctorID  string
	Status    Status
}

type Service struct {
	store         docstore.Store
	resolver      *policy.Resolver
	consultations ConsultationWriter
	loc           *time.Location
	logger        zerolog.Logger
	now           func() time.Time
}

func NewService(store docstore.Store, resolver *policy.Resolver, consultations ConsultationWriter, loc *time.Location, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:         store,
		resolver:      resolver,
		consultations: consultations,
		loc:           loc,
		logger:        logger.With().Str("component", "scheduling").Logger(),
		now:           time.Now,
	}
}

// Location is the office time zone slots are computed in.
func (s *Service) Location() *time.Location { return s.loc }

type profile struct {
	ID   string      `json:"id"`
	Role policy.Role `json:"role"`
}

func (s *Service) roleOf(ctx context.Context, id string) (policy.Role, error) {
	p, err := docstore.GetAs[profile](ctx, s.store, profilesCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Store("load profile", err)
	}
	return p.Role, nil
}

// -- Schedules --

// GetSchedule returns a provider's template; providers may read their own.
func (s *Service) GetSchedule(ctx context.Context, actor policy.Actor, doctorID string) (*Schedule, error) {
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordSchedule, policy.Target{ProviderID: doctorID}, policy.OpRead); err != nil {
		return nil, err
	}
	return s.loadSchedule(ctx, doctorID)
}

func (s *Service) loadSchedule(ctx context.Context, doctorID string) (*Schedule, error) {
	sched, err := docstore.GetAs[Schedule](ctx, s.store, schedulesCollection, doctorID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound("schedule", doctorID)
	}
	if err != nil {
		return nil, apperr.Store("load schedule", err)
	}
	return sched, nil
}

func (s *Service) ListSchedules(ctx context.Context, actor policy.Actor) ([]Schedule, error) {
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordSchedule, policy.Target{}, policy.OpRead); err != nil {
		return nil, err
	}
	out, err := docstore.QueryAs[Schedule](ctx, s.store, docstore.Query{Collection: schedulesCollection, OrderBy: "doctorId"})
	if err != nil {
		return nil, apperr.Store("list schedules", err)
	}
	return out, nil
}

// UpsertSchedule creates or replaces a provider's template.
func (s *Service) UpsertSchedule(ctx context.Context, actor policy.Actor, doctorID string, sched *Schedule) (*Schedule, error) {
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordSchedule, policy.Target{ProviderID: doctorID}, policy.OpUpdate); err != nil {
		return nil, err
	}
	role, err := s.roleOf(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if !role.IsProvider() {
		return nil, apperr.Validation("doctorId", "must reference a doctor or midwife")
	}
	sched.DoctorID = doctorID
	if sched.UnavailableDates == nil {
		sched.UnavailableDates = []string{}
	}
	for i := range sched.WorkingHours {
		if sched.WorkingHours[i].Breaks == nil {
			sched.WorkingHours[i].Breaks = []Break{}
		}
	}
	if err := ValidateSchedule(sched); err != nil {
		return nil, err
	}
	sched.UpdatedAt = s.now().UTC()
	if err := s.store.Set(ctx, schedulesCollection, doctorID, sched); err != nil {
		return nil, apperr.Store("save schedule", err)
	}
	return sched, nil
}

// -- Availability --

func (s *Service) doctorAppointments(ctx context.Context, doctorID string) ([]Appointment, error) {
	out, err := docstore.QueryAs[Appointment](ctx, s.store, docstore.Query{
		Collection: appointmentsCollection,
		OrderBy:    "appointmentDateTimeStart",
	}.Eq("doctorId", doctorID))
	if err != nil {
		return nil, apperr.Store("list appointments", err)
	}
	return out, nil
}

// scheduleOrEmpty treats a provider without a template as fully booked.
func (s *Service) scheduleOrEmpty(ctx context.Context, doctorID string) (*Schedule, error) {
	sched, err := s.loadSchedule(ctx, doctorID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil
	}
	return sched, err
}

// Availability lists the free slots of one office-local date (YYYY-MM-DD).
func (s *Service) Availability(ctx context.Context, doctorID, date string) ([]TimeSlot, error) {
	d, err := time.ParseInLocation(time.DateOnly, date, s.loc)
	if err != nil {
		return nil, apperr.Validation("date", "must be YYYY-MM-DD")
	}
	sched, err := s.scheduleOrEmpty(ctx, doctorID)
	if err != nil || sched == nil {
		return []TimeSlot{}, err
	}
	appts, err := s.doctorAppointments(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	slots := ComputeAvailableSlots(sched, d, appts, s.now())
	if slots == nil {
		slots = []TimeSlot{}
	}
	return slots, nil
}

// NextAvailable returns up to limit free slots in the next days days.
func (s *Service) NextAvailable(ctx context.Context, doctorID string, days, limit int) ([]TimeSlot, error) {
	if days <= 0 || days > MaxSearchDays {
		return nil, apperr.Validation("days", "must be between 1 and 92")
	}
	sched, err := s.scheduleOrEmpty(ctx, doctorID)
	if err != nil || sched == nil {
		return []TimeSlot{}, err
	}
	appts, err := s.doctorAppointments(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	now := s.now().In(s.loc)
	slots := AvailableSlotsBetween(sched, now, now.AddDate(0, 0, days), appts, now)
	if limit > 0 && len(slots) > limit {
		slots = slots[:limit]
	}
	if slots == nil {
		slots = []TimeSlot{}
	}
	return slots, nil
}

// -- Appointments --

func appointmentTarget(a *Appointment, fields ...string) policy.Target {
	return policy.Target{OwnerID: a.PatientID, ProviderID: a.DoctorID, Fields: fields}
}

// Book reserves a slot. The slot is re-checked against a fresh read of the
// provider's appointments, then claimed atomically; losing either check is a
// SlotConflict.
func (s *Service) Book(ctx context.Context, actor policy.Actor, req BookingRequest) (*Appointment, error) {
	if req.PatientID == "" && actor.Role == policy.RolePatient {
		req.PatientID = actor.ID
	}
	details := map[string]string{}
	if req.PatientID == "" {
		details["patientId"] = "is required"
	}
	if req.DoctorID == "" {
		details["doctorId"] = "is required"
	}
	if req.Start.IsZero() {
		details["appointmentDateTimeStart"] = "is required"
	}
	if strings.TrimSpace(req.ReasonForVisit) == "" {
		details["reasonForVisit"] = "is required"
	}
	if len(details) > 0 {
		metrics.RecordBooking("rejected")
		return nil, apperr.ValidationFields(details)
	}

	pending := &Appointment{PatientID: req.PatientID, DoctorID: req.DoctorID}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordAppointment, appointmentTarget(pending), policy.OpCreate); err != nil {
		metrics.RecordBooking("rejected")
		return nil, err
	}
	if err := s.checkParties(ctx, req.PatientID, req.DoctorID); err != nil {
		metrics.RecordBooking("rejected")
		return nil, err
	}

	start := req.Start.In(s.loc)
	if err := s.revalidate(ctx, req.DoctorID, start); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	appt := &Appointment{
		ID:                       uuid.NewString(),
		PatientID:                req.PatientID,
		DoctorID:                 req.DoctorID,
		AppointmentDateTimeStart: start.UTC(),
		ReasonForVisit:           strings.TrimSpace(req.ReasonForVisit),
		Status:                   StatusScheduled,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	claim := claimID(appt.DoctorID, appt.AppointmentDateTimeStart)
	err := s.store.Create(ctx, claimsCollection, claim, slotClaim{
		DoctorID: appt.DoctorID, Start: appt.AppointmentDateTimeStart, AppointmentID: appt.ID,
	})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		metrics.RecordBooking("conflict")
		return nil, apperr.SlotConflict("slot was just booked by someone else")
	}
	if err != nil {
		return nil, apperr.Store("claim slot", err)
	}
	if err := s.store.Create(ctx, appointmentsCollection, appt.ID, appt); err != nil {
		s.releaseClaim(context.WithoutCancel(ctx), claim, appt.ID)
		return nil, apperr.Store("save appointment", err)
	}
	metrics.RecordBooking("booked")
	return appt, nil
}

func (s *Service) checkParties(ctx context.Context, patientID, doctorID string) error {
	role, err := s.roleOf(ctx, patientID)
	if err != nil {
		return err
	}
	if role != policy.RolePatient {
		return apperr.Validation("patientId", "must reference a patient")
	}
	role, err = s.roleOf(ctx, doctorID)
	if err != nil {
		return err
	}
	if !role.IsProvider() {
		return apperr.Validation("doctorId", "must reference a doctor or midwife")
	}
	return nil
}

func (s *Service) revalidate(ctx context.Context, doctorID string, start time.Time) error {
	sched, err := s.scheduleOrEmpty(ctx, doctorID)
	if err != nil {
		return err
	}
	if sched == nil {
		metrics.RecordBooking("rejected")
		return apperr.Validation("doctorId", "provider has no schedule")
	}
	appts, err := s.doctorAppointments(ctx, doctorID)
	if err != nil {
		return err
	}
	for _, slot := range ComputeAvailableSlots(sched, start, appts, s.now()) {
		if slot.Start.Equal(start) {
			return nil
		}
	}
	metrics.RecordBooking("conflict")
	return apperr.SlotConflict("slot is no longer available")
}

func (s *Service) loadAppointment(ctx context.Context, id string) (*Appointment, error) {
	a, err := docstore.GetAs[Appointment](ctx, s.store, appointmentsCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound("appointment", id)
	}
	if err != nil {
		return nil, apperr.Store("load appointment", err)
	}
	return a, nil
}

func (s *Service) GetAppointment(ctx context.Context, actor policy.Actor, id string) (*Appointment, error) {
	a, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordAppointment, appointmentTarget(a), policy.OpRead); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAppointments returns appointments by start time. Patients only see
// their own and providers only theirs, whatever the filter says.
func (s *Service) ListAppointments(ctx context.Context, actor policy.Actor, f AppointmentFilter) ([]Appointment, error) {
	switch {
	case actor.Role == policy.RolePatient:
		if f.PatientID != "" && f.PatientID != actor.ID {
			return nil, apperr.AccessDenied("record belongs to another patient")
		}
		f.PatientID = actor.ID
	case actor.Role.IsProvider():
		if f.DoctorID != "" && f.DoctorID != actor.ID {
			return nil, apperr.AccessDenied("appointment belongs to another provider")
		}
		f.DoctorID = actor.ID
	case actor.Role != policy.RoleAdmin:
		return nil, apperr.AccessDenied("no rule grants access")
	}

	q := docstore.Query{Collection: appointmentsCollection, OrderBy: "appointmentDateTimeStart"}
	if f.PatientID != "" {
		q = q.Eq("patientId", f.PatientID)
	}
	if f.DoctorID != "" {
		q = q.Eq("doctorId", f.DoctorID)
	}
	if f.Status != "" {
		q = q.Eq("status", string(f.Status))
	}
	out, err := docstore.QueryAs[Appointment](ctx, s.store, q)
	if err != nil {
		return nil, apperr.Store("list appointments", err)
	}
	return out, nil
}

func cancelStatus(role policy.Role) Status {
	switch {
	case role == policy.RolePatient:
		return StatusCancelledByPatient
	case role.IsProvider():
		return StatusCancelledByDoctor
	}
	return StatusCancelledByAdmin
}

func (s *Service) transition(ctx context.Context, a *Appointment, next Status, extra map[string]interface{}) error {
	now := s.now().UTC()
	fields := map[string]interface{}{"status": next, "updatedAt": now}
	for k, v := range extra {
		fields[k] = v
	}
	if err := s.store.Merge(ctx, appointmentsCollection, a.ID, fields); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.NotFound("appointment", a.ID)
		}
		return apperr.Store("update appointment", err)
	}
	a.Status = next
	a.UpdatedAt = now
	return nil
}

// Cancel moves a scheduled appointment to the cancelled state matching the
// actor's role and frees its slot.
func (s *Service) Cancel(ctx context.Context, actor policy.Actor, id string) (*Appointment, error) {
	a, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordAppointment, appointmentTarget(a, "status"), policy.OpUpdate); err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, apperr.Validation("status", "appointment is already "+string(a.Status))
	}
	if err := s.transition(ctx, a, cancelStatus(actor.Role), nil); err != nil {
		return nil, err
	}
	s.releaseClaim(context.WithoutCancel(ctx), claimID(a.DoctorID, a.AppointmentDateTimeStart), a.ID)
	return a, nil
}

// releaseClaim frees a slot claim. The appointment change it follows is
// already committed, so a failure is logged and counted rather than
// returned; the claim then has to be removed by hand.
func (s *Service) releaseClaim(ctx context.Context, claim, appointmentID string) {
	if err := s.store.Delete(ctx, claimsCollection, claim); err != nil {
		metrics.RecordBooking("claim_leaked")
		s.logger.Error().Err(err).
			Str("claim_id", claim).
			Str("appointment_id", appointmentID).
			Msg("failed to release slot claim")
	}
}

// Complete closes a scheduled appointment and records its consultation.
func (s *Service) Complete(ctx context.Context, actor policy.Actor, id string, req CompletionRequest) (*Appointment, error) {
	a, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordAppointment, appointmentTarget(a, "status", "consultationId"), policy.OpUpdate); err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, apperr.Validation("status", "appointment is already "+string(a.Status))
	}
	if strings.TrimSpace(req.Notes) == "" {
		return nil, apperr.Validation("notes", "is required")
	}

	date := a.AppointmentDateTimeStart
	c, err := s.consultations.CreateConsultation(ctx, actor, clinical.ConsultationInput{
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		Date:          &date,
		Notes:         req.Notes,
		Diagnosis:     req.Diagnosis,
		TreatmentPlan: req.TreatmentPlan,
		SubjectType:   clinical.SubjectMother,
		AppointmentID: a.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, a, StatusCompleted, map[string]interface{}{"consultationId": c.ID}); err != nil {
		return nil, err
	}
	a.ConsultationID = c.ID
	return a, nil
}
