package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/rhu/healthrecords/internal/platform/docstore"
)

const appointmentsCollection = "appointments"

// Index derives provider-patient relationships from appointment history.
// A relationship exists once any appointment pairs the two, whatever its
// status; it never expires.
type Index struct {
	store docstore.Store
}

func NewIndex(store docstore.Store) *Index {
	return &Index{store: store}
}

// HasRelationship reports whether at least one appointment has exactly this
// (doctorId, patientId) pair.
func (x *Index) HasRelationship(ctx context.Context, providerID, patientID string) (bool, error) {
	if providerID == "" || patientID == "" {
		return false, nil
	}
	docs, err := x.store.Query(ctx, docstore.Query{
		Collection:  appointmentsCollection,
		LimitToLast: 1,
	}.Eq("doctorId", providerID).Eq("patientId", patientID))
	if err != nil {
		return false, fmt.Errorf("relationship lookup: %w", err)
	}
	return len(docs) > 0, nil
}

// PatientsOf lists the ids of every patient the provider has a relationship
// with, sorted.
func (x *Index) PatientsOf(ctx context.Context, providerID string) ([]string, error) {
	docs, err := x.store.Query(ctx, docstore.Query{Collection: appointmentsCollection}.Eq("doctorId", providerID))
	if err != nil {
		return nil, fmt.Errorf("relationship listing: %w", err)
	}
	seen := make(map[string]struct{})
	for _, d := range docs {
		var a struct {
			PatientID string `json:"patientId"`
		}
		if err := d.Decode(&a); err != nil {
			return nil, fmt.Errorf("decode appointment %s: %w", d.ID, err)
		}
		if a.PatientID != "" {
			seen[a.PatientID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
