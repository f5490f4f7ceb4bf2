package docstore

import (
	"context"
	"sync"
	"time"
)

type runFunc func(ctx context.Context, q Query) ([]Document, error)

// subscription is one open Subscribe call. The channel holds at most one
// pending snapshot; a newer snapshot replaces an unread older one.
type subscription struct {
	query  Query
	mu     sync.Mutex
	ch     chan Snapshot
	closed bool
	done   chan struct{}
}

func (s *subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func (s *subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	return true
}

// fanout tracks open subscriptions per collection and re-runs their queries
// when the collection changes.
type fanout struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
	now  func() time.Time
}

func newFanout() *fanout {
	return &fanout{
		subs: make(map[string]map[*subscription]struct{}),
		now:  time.Now,
	}
}

// open registers a subscription, sends its initial snapshot and returns
// the stream and its cancel function.
func (f *fanout) open(ctx context.Context, q Query, run runFunc) (<-chan Snapshot, CancelFunc) {
	sub := &subscription{
		query: q,
		ch:    make(chan Snapshot, 1),
		done:  make(chan struct{}),
	}

	f.mu.Lock()
	if f.subs[q.Collection] == nil {
		f.subs[q.Collection] = make(map[*subscription]struct{})
	}
	f.subs[q.Collection][sub] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if set, ok := f.subs[q.Collection]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(f.subs, q.Collection)
			}
		}
		f.mu.Unlock()
		sub.close()
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	f.refresh(context.WithoutCancel(ctx), sub, run)
	return sub.ch, cancel
}

func (f *fanout) refresh(ctx context.Context, sub *subscription, run runFunc) {
	docs, err := run(ctx, sub.query)
	sub.deliver(Snapshot{Docs: docs, At: f.now(), Err: err})
}

// changed re-evaluates every subscription on collection.
func (f *fanout) changed(ctx context.Context, collection string, run runFunc) {
	for _, sub := range f.snapshotSubs(collection) {
		f.refresh(ctx, sub, run)
	}
}

// changedAll re-evaluates every subscription, used after a listener
// reconnects and may have missed notifications.
func (f *fanout) changedAll(ctx context.Context, run runFunc) {
	f.mu.Lock()
	collections := make([]string, 0, len(f.subs))
	for c := range f.subs {
		collections = append(collections, c)
	}
	f.mu.Unlock()
	for _, c := range collections {
		f.changed(ctx, c, run)
	}
}

func (f *fanout) snapshotSubs(collection string) []*subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.subs[collection]
	out := make([]*subscription, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (f *fanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, set := range f.subs {
		n += len(set)
	}
	return n
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	var all []*subscription
	for _, set := range f.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	f.subs = make(map[string]map[*subscription]struct{})
	f.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}
