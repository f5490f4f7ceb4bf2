package clinical

import (
	"time"

	"github.com/rhu/healthrecords/internal/platform/docstore"
)

const (
	consultationsCollection = "consultations"
	maternityCollection     = "maternityRecords"
	babiesCollection        = "babyRecords"

	patientsCollection         = "patients"
	archivedPatientsCollection = "archivedPatients"
)

// SubjectType says whether a consultation is about the mother or her baby.
type SubjectType string

const (
	SubjectMother SubjectType = "mother"
	SubjectBaby   SubjectType = "baby"
)

// Consultation is one visit or concern. PatientID never changes after
// creation.
type Consultation struct {
	ID            string        `json:"id"`
	PatientID     string        `json:"patientId"`
	DoctorID      string        `json:"doctorId,omitempty"`
	Date          docstore.Time `json:"date"`
	Notes         string        `json:"notes"`
	Diagnosis     string        `json:"diagnosis,omitempty"`
	TreatmentPlan string        `json:"treatmentPlan,omitempty"`
	SubjectType   SubjectType   `json:"subjectType"`
	BabyID        string        `json:"babyId,omitempty"`
	AppointmentID string        `json:"appointmentId,omitempty"`
	CreatedBy     string        `json:"createdBy"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// MaternityRecord is one pregnancy of a patient.
type MaternityRecord struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patientId"`
	PregnancyNumber int       `json:"pregnancyNumber"`
	DeliveryDate    string    `json:"deliveryDate,omitempty"`
	Outcome         string    `json:"outcome,omitempty"`
	Complications   string    `json:"complications,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// BabyRecord is owned by the mother's patient id.
type BabyRecord struct {
	ID          string    `json:"id"`
	MotherID    string    `json:"motherId"`
	Name        string    `json:"name,omitempty"`
	BirthDate   string    `json:"birthDate"`
	BirthWeight *float64  `json:"birthWeight,omitempty"`
	BirthLength *float64  `json:"birthLength,omitempty"`
	ApgarScore  *int      `json:"apgarScore,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Fields an update may set, per record type. The owner field is fixed at
// creation.
var (
	consultationEditable = fieldNames("date", "notes", "diagnosis", "treatmentPlan", "subjectType", "babyId", "doctorId", "appointmentId")
	maternityEditable    = fieldNames("pregnancyNumber", "deliveryDate", "outcome", "complications")
	babyEditable         = fieldNames("name", "birthDate", "birthWeight", "birthLength", "apgarScore")
)

func fieldNames(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
