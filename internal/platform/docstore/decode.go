package docstore

import (
	"context"
	"errors"
	"fmt"
)

// DecodeAll decodes every document into a T.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// GetAs reads one document and decodes it. Missing documents return
// ErrNotFound unchanged.
func GetAs[T any](ctx context.Context, s Store, collection, id string) (*T, error) {
	doc, err := s.Get(ctx, collection, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var v T
	if err := doc.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return &v, nil
}

// QueryAs runs q and decodes the result.
func QueryAs[T any](ctx context.Context, s Store, q Query) ([]T, error) {
	docs, err := s.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	return DecodeAll[T](docs)
}
