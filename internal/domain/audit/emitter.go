package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/metrics"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

// Recorder is what services use to report privileged mutations.
type Recorder interface {
	Record(ctx context.Context, actor policy.Actor, ev Event)
}

// Sink persists or forwards an entry.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Entry) error
}

// StoreSink appends entries to the auditLogs collection.
type StoreSink struct {
	store docstore.Store
}

func NewStoreSink(store docstore.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, e Entry) error {
	return s.store.Create(ctx, collection, e.ID, e)
}

// Publisher is the part of an event bus producer the Kafka sink needs.
type Publisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}

// KafkaSink mirrors entries onto a topic, keyed by entry id.
type KafkaSink struct {
	pub Publisher
}

func NewKafkaSink(pub Publisher) *KafkaSink {
	return &KafkaSink{pub: pub}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, e Entry) error {
	return s.pub.Publish(ctx, e.ID, e)
}

// Emitter writes one entry per privileged mutation to every sink. Sink
// failures are logged and counted; they never reach the caller, whose
// mutation has already committed.
type Emitter struct {
	store  docstore.Store
	sinks  []Sink
	logger zerolog.Logger
	now    func() time.Time
}

// NewEmitter reads entries back from store and writes them to sinks.
func NewEmitter(store docstore.Store, logger zerolog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{
		store:  store,
		sinks:  sinks,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Record builds the entry for ev and writes it. Cancellation of ctx does not
// abort the write.
func (e *Emitter) Record(ctx context.Context, actor policy.Actor, ev Event) {
	entry := Entry{
		ID:          uuid.NewString(),
		Timestamp:   e.now().UnixMilli(),
		UserID:      actor.ID,
		UserName:    actor.Name,
		UserRole:    actor.Role,
		Action:      ev.Action,
		Description: ev.Description,
		TargetID:    ev.TargetID,
		TargetType:  ev.TargetType,
		Details:     ev.Details,
	}

	ctx = context.WithoutCancel(ctx)
	for _, s := range e.sinks {
		if err := s.Write(ctx, entry); err != nil {
			metrics.RecordAuditWriteFailure(s.Name())
			e.logger.Error().Err(err).
				Str("sink", s.Name()).
				Str("action", string(entry.Action)).
				Str("target_id", entry.TargetID).
				Str("user_id", entry.UserID).
				Msg("audit write failed")
		}
	}
}

// Recent returns up to n entries, newest first.
func (e *Emitter) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 100
	}
	entries, err := docstore.QueryAs[Entry](ctx, e.store, docstore.Query{
		Collection:  collection,
		OrderBy:     "timestamp",
		LimitToLast: n,
	})
	if err != nil {
		return nil, apperr.Store("read audit log", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
