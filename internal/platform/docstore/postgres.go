package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// notifyChannel is raised by the documents_changed trigger with the
// collection name as payload.
const notifyChannel = "docstore_changes"

// PostgresStore keeps documents in a single JSONB table (see
// migrations/001_documents.sql). Subscriptions are driven by LISTEN/NOTIFY,
// so changes made by other server instances reach local subscribers too.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	subs   *fanout
	stop   context.CancelFunc
	done   chan struct{}
}

// NewPostgresStore starts the notification listener and returns the store.
func NewPostgresStore(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "docstore.postgres").Logger(),
		subs:   newFanout(),
		stop:   cancel,
		done:   make(chan struct{}),
	}
	go s.listen(ctx)
	return s
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return Document{ID: id, Data: data}, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, id string, value interface{}) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		collection, id, []byte(raw))
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, collection, id string, value interface{}) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, []byte(raw))
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) Merge(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	patch := make(map[string]json.RawMessage, len(fields))
	removed := []string{}
	for k, v := range fields {
		if v == nil {
			removed = append(removed, k)
			continue
		}
		raw, err := encode(v)
		if err != nil {
			return fmt.Errorf("encode %s/%s.%s: %w", collection, id, k, err)
		}
		patch[k] = raw
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET data = (data || $3::jsonb) - $4::text[], updated_at = NOW()
		WHERE collection = $1 AND id = $2`,
		collection, id, body, removed)
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// buildQuery renders q as SQL. Field names travel as bind parameters so a
// caller-supplied field can never alter the statement.
func buildQuery(q Query) (string, []interface{}) {
	args := []interface{}{q.Collection}
	var where strings.Builder
	where.WriteString("collection = $1")
	for _, f := range q.Where {
		args = append(args, f.Field, f.Value)
		fmt.Fprintf(&where, " AND data->>($%d::text) = $%d", len(args)-1, len(args))
	}

	order := "id"
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		order = fmt.Sprintf("data->($%d::text)", len(args))
	}

	if q.LimitToLast > 0 {
		args = append(args, q.LimitToLast)
		inner := fmt.Sprintf(
			"SELECT id, data, %s AS sort_key FROM documents WHERE %s ORDER BY %s DESC, id DESC LIMIT $%d",
			order, where.String(), order, len(args))
		return "SELECT id, data FROM (" + inner + ") last_n ORDER BY sort_key ASC, id ASC", args
	}
	if q.OrderBy == "" {
		return fmt.Sprintf("SELECT id, data FROM documents WHERE %s ORDER BY id ASC", where.String()), args
	}
	return fmt.Sprintf("SELECT id, data FROM documents WHERE %s ORDER BY %s ASC, id ASC",
		where.String(), order), args
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]Document, error) {
	sql, args := buildQuery(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var data []byte
		if err := rows.Scan(&d.ID, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
		}
		d.Data = data
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) Subscribe(ctx context.Context, q Query) (<-chan Snapshot, CancelFunc, error) {
	ch, cancel := s.subs.open(ctx, q, s.Query)
	return ch, cancel, nil
}

func (s *PostgresStore) Export(ctx context.Context) (Tree, error) {
	rows, err := s.pool.Query(ctx, `SELECT collection, id, data FROM documents ORDER BY collection, id`)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	defer rows.Close()

	tree := make(Tree)
	for rows.Next() {
		var collection, id string
		var data []byte
		if err := rows.Scan(&collection, &id, &data); err != nil {
			return nil, fmt.Errorf("export scan: %w", err)
		}
		if tree[collection] == nil {
			tree[collection] = make(map[string]json.RawMessage)
		}
		tree[collection][id] = data
	}
	return tree, rows.Err()
}

// Close stops the listener and ends every open subscription. The pool is
// owned by the caller.
func (s *PostgresStore) Close() {
	s.stop()
	<-s.done
	s.subs.closeAll()
}

func (s *PostgresStore) listen(ctx context.Context) {
	defer close(s.done)
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Msg("change listener disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	// Anything written while the listener was down is picked up here.
	s.subs.changedAll(ctx, s.Query)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.subs.changed(ctx, n.Payload, s.Query)
	}
}
