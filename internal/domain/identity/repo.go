package identity

import (
	"context"
	"errors"
	"sort"

	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

type Repository interface {
	Get(ctx context.Context, id string) (*Patient, error)
	Create(ctx context.Context, p *Patient) error
	Merge(ctx context.Context, id string, fields map[string]interface{}) error
	List(ctx context.Context) ([]*Patient, error)
	ListByRole(ctx context.Context, role policy.Role) ([]*Patient, error)
}

type storeRepo struct {
	store docstore.Store
}

// NewRepository returns a Repository over the patients collection.
func NewRepository(store docstore.Store) Repository {
	return &storeRepo{store: store}
}

func (r *storeRepo) Get(ctx context.Context, id string) (*Patient, error) {
	p, err := docstore.GetAs[Patient](ctx, r.store, collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound("patient", id)
	}
	if err != nil {
		return nil, apperr.Store("load patient", err)
	}
	p.ID = id
	return p, nil
}

func (r *storeRepo) Create(ctx context.Context, p *Patient) error {
	err := r.store.Create(ctx, collection, p.ID, p)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return apperr.Validation("id", "a profile with this id already exists")
	}
	if err != nil {
		return apperr.Store("save patient", err)
	}
	return nil
}

func (r *storeRepo) Merge(ctx context.Context, id string, fields map[string]interface{}) error {
	err := r.store.Merge(ctx, collection, id, fields)
	if errors.Is(err, docstore.ErrNotFound) {
		return apperr.NotFound("patient", id)
	}
	if err != nil {
		return apperr.Store("update patient", err)
	}
	return nil
}

func (r *storeRepo) List(ctx context.Context) ([]*Patient, error) {
	return r.query(ctx, docstore.Query{Collection: collection})
}

func (r *storeRepo) ListByRole(ctx context.Context, role policy.Role) ([]*Patient, error) {
	return r.query(ctx, docstore.Query{Collection: collection}.Eq("role", string(role)))
}

func (r *storeRepo) query(ctx context.Context, q docstore.Query) ([]*Patient, error) {
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, apperr.Store("list patients", err)
	}
	out := make([]*Patient, 0, len(docs))
	for _, d := range docs {
		var p Patient
		if err := d.Decode(&p); err != nil {
			return nil, apperr.Store("decode patient", err)
		}
		p.ID = d.ID
		out = append(out, &p)
	}
	sortByName(out)
	return out, nil
}

func sortByName(ps []*Patient) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].ID < ps[j].ID
	})
}
