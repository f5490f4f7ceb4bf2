package clinical

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

// ConsultationInput creates a consultation. Date defaults to now and
// SubjectType to mother.
type ConsultationInput struct {
	PatientID     string      `json:"patientId"`
	DoctorID      string      `json:"doctorId"`
	Date          *time.Time  `json:"date"`
	Notes         string      `json:"notes"`
	Diagnosis     string      `json:"diagnosis"`
	TreatmentPlan string      `json:"treatmentPlan"`
	SubjectType   SubjectType `json:"subjectType"`
	BabyID        string      `json:"babyId"`
	AppointmentID string      `json:"appointmentId"`
}

// setFields names the optional fields the input writes; the resolver uses
// them to keep patients away from clinical fields.
func (in ConsultationInput) setFields() []string {
	names := []string{"patientId", "notes", "date", "subjectType"}
	for name, v := range map[string]string{
		"doctorId":      in.DoctorID,
		"diagnosis":     in.Diagnosis,
		"treatmentPlan": in.TreatmentPlan,
		"babyId":        in.BabyID,
		"appointmentId": in.AppointmentID,
	} {
		if v != "" {
			names = append(names, name)
		}
	}
	return names
}

type MaternityInput struct {
	PatientID       string `json:"patientId"`
	PregnancyNumber int    `json:"pregnancyNumber"`
	DeliveryDate    string `json:"deliveryDate"`
	Outcome         string `json:"outcome"`
	Complications   string `json:"complications"`
}

type BabyInput struct {
	MotherID    string   `json:"motherId"`
	Name        string   `json:"name"`
	BirthDate   string   `json:"birthDate"`
	BirthWeight *float64 `json:"birthWeight"`
	BirthLength *float64 `json:"birthLength"`
	ApgarScore  *int     `json:"apgarScore"`
}

type Service struct {
	store         docstore.Store
	consultations *recordRepo[Consultation]
	maternity     *recordRepo[MaternityRecord]
	babies        *recordRepo[BabyRecord]
	resolver      *policy.Resolver
	now           func() time.Time
}

func NewService(store docstore.Store, resolver *policy.Resolver) *Service {
	return &Service{
		store:         store,
		consultations: newRecordRepo[Consultation](store, consultationsCollection, "consultation"),
		maternity:     newRecordRepo[MaternityRecord](store, maternityCollection, "maternity record"),
		babies:        newRecordRepo[BabyRecord](store, babiesCollection, "baby record"),
		resolver:      resolver,
		now:           time.Now,
	}
}

// authorizeCreate authorizes the create before checking that the owner
// exists.
func (s *Service) authorizeCreate(ctx context.Context, actor policy.Actor, rt policy.RecordType, field string, target policy.Target) error {
	if strings.TrimSpace(target.OwnerID) == "" {
		return apperr.Validation(field, "is required")
	}
	if _, err := s.resolver.Authorize(ctx, actor, rt, target, policy.OpCreate); err != nil {
		return err
	}
	ok, err := ownerExists(ctx, s.store, target.OwnerID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Validation(field, "does not reference a patient")
	}
	return nil
}

// listScope resolves which owner a listing covers. Admins may list every
// owner at once, patients always list their own.
func (s *Service) listScope(ctx context.Context, actor policy.Actor, rt policy.RecordType, field, ownerID string) (string, error) {
	if ownerID == "" {
		switch {
		case actor.Role == policy.RoleAdmin:
			return "", nil
		case actor.Role == policy.RolePatient:
			ownerID = actor.ID
		default:
			return "", apperr.Validation(field, "is required")
		}
	}
	if _, err := s.resolver.Authorize(ctx, actor, rt, policy.Target{OwnerID: ownerID}, policy.OpRead); err != nil {
		return "", err
	}
	return ownerID, nil
}

func validDate(s string) bool {
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}

// -- Consultations --

func (s *Service) validateConsultation(ctx context.Context, c *Consultation) error {
	if strings.TrimSpace(c.Notes) == "" {
		return apperr.Validation("notes", "is required")
	}
	switch c.SubjectType {
	case SubjectMother:
		if c.BabyID != "" {
			return apperr.Validation("babyId", "only allowed when subjectType is baby")
		}
	case SubjectBaby:
		if c.BabyID == "" {
			return apperr.Validation("babyId", "is required when subjectType is baby")
		}
		baby, err := s.babies.Get(ctx, c.BabyID)
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Validation("babyId", "does not reference a baby record")
		}
		if err != nil {
			return err
		}
		if baby.MotherID != c.PatientID {
			return apperr.Validation("babyId", "baby does not belong to this patient")
		}
	default:
		return apperr.Validation("subjectType", "must be mother or baby")
	}
	return nil
}

// CreateConsultation records a visit or, for patients, a concern without
// diagnosis or treatment.
func (s *Service) CreateConsultation(ctx context.Context, actor policy.Actor, in ConsultationInput) (*Consultation, error) {
	target := policy.Target{OwnerID: in.PatientID, Fields: in.setFields()}
	if err := s.authorizeCreate(ctx, actor, policy.RecordConsultation, "patientId", target); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &Consultation{
		ID:            uuid.NewString(),
		PatientID:     in.PatientID,
		DoctorID:      in.DoctorID,
		Date:          docstore.NewTime(now),
		Notes:         in.Notes,
		Diagnosis:     in.Diagnosis,
		TreatmentPlan: in.TreatmentPlan,
		SubjectType:   in.SubjectType,
		BabyID:        in.BabyID,
		AppointmentID: in.AppointmentID,
		CreatedBy:     actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.Date != nil && !in.Date.IsZero() {
		c.Date = docstore.NewTime(*in.Date)
	}
	if c.SubjectType == "" {
		c.SubjectType = SubjectMother
	}
	if c.DoctorID == "" && actor.Role.IsProvider() {
		c.DoctorID = actor.ID
	}
	if err := s.validateConsultation(ctx, c); err != nil {
		return nil, err
	}
	if err := s.consultations.Create(ctx, c.ID, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) GetConsultation(ctx context.Context, actor policy.Actor, id string) (*Consultation, error) {
	c, err := s.consultations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordConsultation, policy.Target{OwnerID: c.PatientID}, policy.OpRead); err != nil {
		return nil, err
	}
	return c, nil
}

// ListConsultations returns a patient's consultations by date.
func (s *Service) ListConsultations(ctx context.Context, actor policy.Actor, patientID string) ([]Consultation, error) {
	owner, err := s.listScope(ctx, actor, policy.RecordConsultation, "patientId", patientID)
	if err != nil {
		return nil, err
	}
	return s.consultations.List(ctx, "patientId", owner, "date")
}

func (s *Service) UpdateConsultation(ctx context.Context, actor policy.Actor, id string, fields map[string]interface{}) (*Consultation, error) {
	names, err := checkPatch(fields, consultationEditable, "patientId")
	if err != nil {
		return nil, err
	}
	current, err := s.consultations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	target := policy.Target{OwnerID: current.PatientID, Fields: names}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordConsultation, target, policy.OpUpdate); err != nil {
		return nil, err
	}

	next, err := applyPatch(current, fields)
	if err != nil {
		return nil, err
	}
	if err := s.validateConsultation(ctx, next); err != nil {
		return nil, err
	}
	return commitFields(ctx, s.consultations, id, next, names, func(c *Consultation, t time.Time) { c.UpdatedAt = t }, s.now().UTC())
}

// -- Maternity --

func (s *Service) pregnancyTaken(ctx context.Context, patientID string, number int, exceptID string) (bool, error) {
	records, err := s.maternity.List(ctx, "patientId", patientID, "")
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.PregnancyNumber == number && r.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func validateMaternity(m *MaternityRecord) error {
	if m.PregnancyNumber < 1 {
		return apperr.Validation("pregnancyNumber", "must be 1 or greater")
	}
	if m.DeliveryDate != "" && !validDate(m.DeliveryDate) {
		return apperr.Validation("deliveryDate", "must be YYYY-MM-DD")
	}
	return nil
}

// CreateMaternity records a pregnancy. Pregnancy numbers are unique per
// patient but need not be consecutive.
func (s *Service) CreateMaternity(ctx context.Context, actor policy.Actor, in MaternityInput) (*MaternityRecord, error) {
	target := policy.Target{OwnerID: in.PatientID, Fields: []string{"patientId", "pregnancyNumber"}}
	if err := s.authorizeCreate(ctx, actor, policy.RecordMaternity, "patientId", target); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m := &MaternityRecord{
		ID:              uuid.NewString(),
		PatientID:       in.PatientID,
		PregnancyNumber: in.PregnancyNumber,
		DeliveryDate:    in.DeliveryDate,
		Outcome:         in.Outcome,
		Complications:   in.Complications,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := validateMaternity(m); err != nil {
		return nil, err
	}
	taken, err := s.pregnancyTaken(ctx, m.PatientID, m.PregnancyNumber, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.Validation("pregnancyNumber", "already recorded for this patient")
	}
	if err := s.maternity.Create(ctx, m.ID, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) GetMaternity(ctx context.Context, actor policy.Actor, id string) (*MaternityRecord, error) {
	m, err := s.maternity.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordMaternity, policy.Target{OwnerID: m.PatientID}, policy.OpRead); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMaternity returns a patient's pregnancies in pregnancy order.
func (s *Service) ListMaternity(ctx context.Context, actor policy.Actor, patientID string) ([]MaternityRecord, error) {
	owner, err := s.listScope(ctx, actor, policy.RecordMaternity, "patientId", patientID)
	if err != nil {
		return nil, err
	}
	return s.maternity.List(ctx, "patientId", owner, "pregnancyNumber")
}

func (s *Service) UpdateMaternity(ctx context.Context, actor policy.Actor, id string, fields map[string]interface{}) (*MaternityRecord, error) {
	names, err := checkPatch(fields, maternityEditable, "patientId")
	if err != nil {
		return nil, err
	}
	current, err := s.maternity.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	target := policy.Target{OwnerID: current.PatientID, Fields: names}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordMaternity, target, policy.OpUpdate); err != nil {
		return nil, err
	}

	next, err := applyPatch(current, fields)
	if err != nil {
		return nil, err
	}
	if err := validateMaternity(next); err != nil {
		return nil, err
	}
	if next.PregnancyNumber != current.PregnancyNumber {
		taken, err := s.pregnancyTaken(ctx, current.PatientID, next.PregnancyNumber, id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, apperr.Validation("pregnancyNumber", "already recorded for this patient")
		}
	}
	return commitFields(ctx, s.maternity, id, next, names, func(m *MaternityRecord, t time.Time) { m.UpdatedAt = t }, s.now().UTC())
}

// NextPregnancyNumber is one more than the highest recorded pregnancy.
func (s *Service) NextPregnancyNumber(ctx context.Context, actor policy.Actor, patientID string) (int, error) {
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordMaternity, policy.Target{OwnerID: patientID}, policy.OpRead); err != nil {
		return 0, err
	}
	records, err := s.maternity.List(ctx, "patientId", patientID, "")
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, r := range records {
		if r.PregnancyNumber > highest {
			highest = r.PregnancyNumber
		}
	}
	return highest + 1, nil
}

// -- Babies --

func validateBaby(b *BabyRecord) error {
	details := map[string]string{}
	if !validDate(b.BirthDate) {
		details["birthDate"] = "must be YYYY-MM-DD"
	}
	if b.BirthWeight != nil && *b.BirthWeight <= 0 {
		details["birthWeight"] = "must be positive"
	}
	if b.BirthLength != nil && *b.BirthLength <= 0 {
		details["birthLength"] = "must be positive"
	}
	if b.ApgarScore != nil && (*b.ApgarScore < 0 || *b.ApgarScore > 10) {
		details["apgarScore"] = "must be between 0 and 10"
	}
	if len(details) > 0 {
		return apperr.ValidationFields(details)
	}
	return nil
}

func (s *Service) CreateBaby(ctx context.Context, actor policy.Actor, in BabyInput) (*BabyRecord, error) {
	target := policy.Target{OwnerID: in.MotherID, Fields: []string{"motherId", "birthDate"}}
	if err := s.authorizeCreate(ctx, actor, policy.RecordBaby, "motherId", target); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b := &BabyRecord{
		ID:          uuid.NewString(),
		MotherID:    in.MotherID,
		Name:        in.Name,
		BirthDate:   in.BirthDate,
		BirthWeight: in.BirthWeight,
		BirthLength: in.BirthLength,
		ApgarScore:  in.ApgarScore,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := validateBaby(b); err != nil {
		return nil, err
	}
	if err := s.babies.Create(ctx, b.ID, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) GetBaby(ctx context.Context, actor policy.Actor, id string) (*BabyRecord, error) {
	b, err := s.babies.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordBaby, policy.Target{OwnerID: b.MotherID}, policy.OpRead); err != nil {
		return nil, err
	}
	return b, nil
}

// ListBabies returns a mother's babies by birth date.
func (s *Service) ListBabies(ctx context.Context, actor policy.Actor, motherID string) ([]BabyRecord, error) {
	owner, err := s.listScope(ctx, actor, policy.RecordBaby, "motherId", motherID)
	if err != nil {
		return nil, err
	}
	return s.babies.List(ctx, "motherId", owner, "birthDate")
}

func (s *Service) UpdateBaby(ctx context.Context, actor policy.Actor, id string, fields map[string]interface{}) (*BabyRecord, error) {
	names, err := checkPatch(fields, babyEditable, "motherId")
	if err != nil {
		return nil, err
	}
	current, err := s.babies.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	target := policy.Target{OwnerID: current.MotherID, Fields: names}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordBaby, target, policy.OpUpdate); err != nil {
		return nil, err
	}

	next, err := applyPatch(current, fields)
	if err != nil {
		return nil, err
	}
	if err := validateBaby(next); err != nil {
		return nil, err
	}
	return commitFields(ctx, s.babies, id, next, names, func(b *BabyRecord, t time.Time) { b.UpdatedAt = t }, s.now().UTC())
}

// commitFields writes the named fields of a validated record plus its new
// updatedAt.
func commitFields[T any](ctx context.Context, repo *recordRepo[T], id string, next *T, names []string, touch func(*T, time.Time), now time.Time) (*T, error) {
	touch(next, now)
	patch, err := normalized(next, append(names, "updatedAt"))
	if err != nil {
		return nil, err
	}
	if err := repo.Merge(ctx, id, patch); err != nil {
		return nil, err
	}
	return next, nil
}
