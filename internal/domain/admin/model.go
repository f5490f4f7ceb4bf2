package admin

import (
	"time"

	"github.com/rhu/healthrecords/internal/platform/policy"
)

// Kind describes one archivable record type.
type Kind struct {
	// Slug is the URL segment, e.g. "maternity-records".
	Slug       string
	Record     policy.RecordType
	Live       string
	Archived   string
	OwnerField string
	Label      string
}

var (
	KindPatient = Kind{
		Slug: "patients", Record: policy.RecordProfile,
		Live: "patients", Archived: "archivedPatients", OwnerField: "id", Label: "patient",
	}
	KindConsultation = Kind{
		Slug: "consultations", Record: policy.RecordConsultation,
		Live: "consultations", Archived: "archivedConsultations", OwnerField: "patientId", Label: "consultation",
	}
	KindMaternity = Kind{
		Slug: "maternity-records", Record: policy.RecordMaternity,
		Live: "maternityRecords", Archived: "archivedMaternityRecords", OwnerField: "patientId", Label: "maternity record",
	}
	KindBaby = Kind{
		Slug: "babies", Record: policy.RecordBaby,
		Live: "babyRecords", Archived: "archivedBabyRecords", OwnerField: "motherId", Label: "baby record",
	}

	kinds = []Kind{KindPatient, KindConsultation, KindMaternity, KindBaby}

	// cascade lists what moves with a patient, in archive order.
	cascade = []Kind{KindConsultation, KindMaternity, KindBaby}
)

// KindBySlug resolves a URL segment.
func KindBySlug(slug string) (Kind, bool) {
	for _, k := range kinds {
		if k.Slug == slug {
			return k, true
		}
	}
	return Kind{}, false
}

const (
	fieldArchivedAt   = "archivedAt"
	fieldArchivedBy   = "archivedBy"
	fieldArchivedWith = "archivedWith"
)

// ArchivedRecord is an archived document: the original fields plus the
// archive markers.
type ArchivedRecord map[string]interface{}

func (r ArchivedRecord) str(field string) string {
	s, _ := r[field].(string)
	return s
}

func (r ArchivedRecord) ID() string           { return r.str("id") }
func (r ArchivedRecord) ArchivedBy() string   { return r.str(fieldArchivedBy) }
func (r ArchivedRecord) ArchivedWith() string { return r.str(fieldArchivedWith) }

func (r ArchivedRecord) ArchivedAt() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, r.str(fieldArchivedAt))
	return t
}

// PurgeRequest confirms a permanent delete or a backup with the actor's
// password.
type PurgeRequest struct {
	Password string `json:"password"`
}

// ArchiveResult reports what an archive or restore moved.
type ArchiveResult struct {
	Kind     string         `json:"type"`
	ID       string         `json:"id"`
	Cascaded map[string]int `json:"cascaded,omitempty"`
}
