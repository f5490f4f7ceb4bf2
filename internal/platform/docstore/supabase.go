package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
)

// SupabaseStore talks to a hosted Supabase project through PostgREST. The
// table has the same shape as the PostgreSQL backend's `documents` table.
//
// Subscriptions only observe writes made through this process; deployments
// with several server instances should use the postgres backend.
type SupabaseStore struct {
	client *supa.Client
	table  string
	subs   *fanout
}

type supabaseRow struct {
	Collection string          `json:"collection,omitempty"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
}

// NewSupabaseStore connects with the service-role key.
func NewSupabaseStore(url, serviceKey, table string) (*SupabaseStore, error) {
	client, err := supa.NewClient(url, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	if table == "" {
		table = "documents"
	}
	return &SupabaseStore{client: client, table: table, subs: newFanout()}, nil
}

func (s *SupabaseStore) Get(_ context.Context, collection, id string) (Document, error) {
	data, _, err := s.client.From(s.table).
		Select("id,data", "", false).
		Eq("collection", collection).
		Eq("id", id).
		Execute()
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var rows []supabaseRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return Document{}, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	if len(rows) == 0 {
		return Document{}, ErrNotFound
	}
	return Document{ID: rows[0].ID, Data: rows[0].Data}, nil
}

func (s *SupabaseStore) Set(ctx context.Context, collection, id string, value interface{}) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, _, err = s.client.From(s.table).
		Insert(supabaseRow{Collection: collection, ID: id, Data: raw}, true, "collection,id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	s.subs.changed(ctx, collection, s.Query)
	return nil
}

func (s *SupabaseStore) Create(ctx context.Context, collection, id string, value interface{}) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, _, err = s.client.From(s.table).
		Insert(supabaseRow{Collection: collection, ID: id, Data: raw}, false, "", "minimal", "").
		Execute()
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	s.subs.changed(ctx, collection, s.Query)
	return nil
}

// Merge is a read-modify-write: PostgREST has no partial JSONB update, so
// concurrent merges on one document resolve as last-write-wins.
func (s *SupabaseStore) Merge(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	doc, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	merged, err := mergeFields(doc.Data, fields)
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	_, _, err = s.client.From(s.table).
		Update(map[string]json.RawMessage{"data": merged}, "minimal", "").
		Eq("collection", collection).
		Eq("id", id).
		Execute()
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	s.subs.changed(ctx, collection, s.Query)
	return nil
}

func (s *SupabaseStore) Delete(ctx context.Context, collection, id string) error {
	_, _, err := s.client.From(s.table).
		Delete("minimal", "").
		Eq("collection", collection).
		Eq("id", id).
		Execute()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	s.subs.changed(ctx, collection, s.Query)
	return nil
}

func (s *SupabaseStore) Query(_ context.Context, q Query) ([]Document, error) {
	fb := s.client.From(s.table).
		Select("id,data", "", false).
		Eq("collection", q.Collection)
	for _, f := range q.Where {
		fb = fb.Eq("data->>"+f.Field, f.Value)
	}

	order := "id"
	if q.OrderBy != "" {
		order = "data->" + q.OrderBy
	}
	if q.LimitToLast > 0 {
		fb = fb.Order(order, &postgrest.OrderOpts{Ascending: false}).Limit(q.LimitToLast, "")
	} else {
		fb = fb.Order(order, &postgrest.OrderOpts{Ascending: true})
	}

	data, _, err := fb.Execute()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	var rows []supabaseRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", q.Collection, err)
	}

	docs := make([]Document, len(rows))
	for i, r := range rows {
		docs[i] = Document{ID: r.ID, Data: r.Data}
	}
	if q.LimitToLast > 0 {
		for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
			docs[i], docs[j] = docs[j], docs[i]
		}
	}
	return docs, nil
}

func (s *SupabaseStore) Subscribe(ctx context.Context, q Query) (<-chan Snapshot, CancelFunc, error) {
	ch, cancel := s.subs.open(ctx, q, s.Query)
	return ch, cancel, nil
}

func (s *SupabaseStore) Export(_ context.Context) (Tree, error) {
	data, _, err := s.client.From(s.table).
		Select("collection,id,data", "", false).
		Order("collection", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	var rows []supabaseRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	tree := make(Tree)
	for _, r := range rows {
		if tree[r.Collection] == nil {
			tree[r.Collection] = make(map[string]json.RawMessage)
		}
		tree[r.Collection][r.ID] = r.Data
	}
	return tree, nil
}

func (s *SupabaseStore) Close() {
	s.subs.closeAll()
}

// isUniqueViolation matches PostgREST's rendering of SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}
