// Package docstore is the document-tree persistence layer: collections of
// JSON documents addressed by id, with point reads and writes, shallow
// merges, equality/order/limit-to-last queries, push subscriptions and a
// full-tree export. Three backends implement Store: an in-memory tree, a
// PostgreSQL JSONB table with LISTEN/NOTIFY, and a Supabase (PostgREST)
// table.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("docstore: document not found")
	ErrAlreadyExists = errors.New("docstore: document already exists")
)

// Document is a stored JSON document together with its key.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v interface{}) error {
	return json.Unmarshal(d.Data, v)
}

// Filter is an equality predicate on a top-level field. Value is compared
// with the field's string form (JSON strings unquoted, other scalars as
// their JSON text).
type Filter struct {
	Field string
	Value string
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Where      []Filter
	// OrderBy is a top-level field; empty orders by document id.
	OrderBy string
	// LimitToLast keeps only the last n documents of the ordered result.
	LimitToLast int
}

// Eq returns a copy of q with an extra equality filter.
func (q Query) Eq(field, value string) Query {
	where := make([]Filter, len(q.Where), len(q.Where)+1)
	copy(where, q.Where)
	q.Where = append(where, Filter{Field: field, Value: value})
	return q
}

// Snapshot is the full result of a subscribed query at one point in time.
// Err is set when the store could not evaluate the query.
type Snapshot struct {
	Docs []Document
	At   time.Time
	Err  error
}

// CancelFunc ends a subscription and releases its resources. It is safe to
// call more than once.
type CancelFunc func()

// Tree is a full export: collection -> id -> document.
type Tree map[string]map[string]json.RawMessage

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	// Set creates or replaces a document.
	Set(ctx context.Context, collection, id string, value interface{}) error
	// Create stores a new document and fails with ErrAlreadyExists if the
	// id is taken.
	Create(ctx context.Context, collection, id string, value interface{}) error
	// Merge overwrites the given top-level fields; a nil value removes the
	// field. It fails with ErrNotFound if the document does not exist.
	Merge(ctx context.Context, collection, id string, fields map[string]interface{}) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) ([]Document, error)
	// Subscribe delivers an initial snapshot and a fresh one after every
	// change to the queried collection. Slow consumers only see the latest
	// snapshot. The stream is closed when cancel is called or ctx ends.
	Subscribe(ctx context.Context, q Query) (<-chan Snapshot, CancelFunc, error)
	Export(ctx context.Context) (Tree, error)
	Close()
}

func encode(value interface{}) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}
