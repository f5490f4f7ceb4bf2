package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/docstore"
)

// recordRepo stores one record type in one collection. resource names the
// type in errors.
type recordRepo[T any] struct {
	store      docstore.Store
	collection string
	resource   string
}

func newRecordRepo[T any](store docstore.Store, collection, resource string) *recordRepo[T] {
	return &recordRepo[T]{store: store, collection: collection, resource: resource}
}

func (r *recordRepo[T]) Get(ctx context.Context, id string) (*T, error) {
	v, err := docstore.GetAs[T](ctx, r.store, r.collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound(r.resource, id)
	}
	if err != nil {
		return nil, apperr.Store("load "+r.resource, err)
	}
	return v, nil
}

func (r *recordRepo[T]) Create(ctx context.Context, id string, v *T) error {
	if err := r.store.Create(ctx, r.collection, id, v); err != nil {
		return apperr.Store("save "+r.resource, err)
	}
	return nil
}

func (r *recordRepo[T]) Merge(ctx context.Context, id string, fields map[string]interface{}) error {
	err := r.store.Merge(ctx, r.collection, id, fields)
	if errors.Is(err, docstore.ErrNotFound) {
		return apperr.NotFound(r.resource, id)
	}
	if err != nil {
		return apperr.Store("update "+r.resource, err)
	}
	return nil
}

func (r *recordRepo[T]) List(ctx context.Context, ownerField, ownerID, orderBy string) ([]T, error) {
	q := docstore.Query{Collection: r.collection, OrderBy: orderBy}
	if ownerID != "" {
		q = q.Eq(ownerField, ownerID)
	}
	out, err := docstore.QueryAs[T](ctx, r.store, q)
	if err != nil {
		return nil, apperr.Store("list "+r.resource, err)
	}
	return out, nil
}

// applyPatch overlays fields on current and decodes the result into a fresh
// T, so a field of the wrong type is rejected before anything is written.
func applyPatch[T any](current *T, fields map[string]interface{}) (*T, error) {
	raw, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode current record: %w", err)
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, fmt.Errorf("decode current record: %w", err)
	}
	for k, v := range fields {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	raw, err = json.Marshal(merged)
	if err != nil {
		return nil, apperr.Validation("body", "invalid field value")
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field != "" {
			return nil, apperr.Validation(te.Field, "has the wrong type")
		}
		return nil, apperr.Validation("body", "invalid field value")
	}
	return &out, nil
}

// ownerExists reports whether the patient id has a live or archived
// profile.
func ownerExists(ctx context.Context, store docstore.Store, patientID string) (bool, error) {
	for _, c := range []string{patientsCollection, archivedPatientsCollection} {
		_, err := store.Get(ctx, c, patientID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return false, apperr.Store("load patient", err)
		}
	}
	return false, nil
}

// checkPatch rejects fields outside editable and returns the field names.
func checkPatch(fields map[string]interface{}, editable map[string]bool, ownerField string) ([]string, error) {
	if len(fields) == 0 {
		return nil, apperr.Validation("body", "no fields to update")
	}
	names := make([]string, 0, len(fields))
	details := map[string]string{}
	for k := range fields {
		names = append(names, k)
		switch {
		case k == ownerField:
			details[k] = "cannot be changed after creation"
		case !editable[k]:
			details[k] = "cannot be changed"
		}
	}
	if len(details) > 0 {
		return nil, apperr.ValidationFields(details)
	}
	return names, nil
}

// normalized re-encodes the named fields from the validated record, so the
// store receives canonical values. Fields the record omits are removed.
func normalized[T any](v *T, names []string) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	out := make(map[string]interface{}, len(names)+1)
	for _, n := range names {
		if r, ok := m[n]; ok {
			out[n] = r
		} else {
			out[n] = nil
		}
	}
	return out, nil
}
