// Package realtime serves live collection snapshots to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/policy"
	"github.com/rhu/healthrecords/internal/platform/websocket"
)

const (
	defaultLimit = 100
	maxLimit     = 500
)

// scope is what one subscription may see: the query it runs and the access
// check it must keep passing.
type scope struct {
	record policy.RecordType
	target policy.Target
	query  docstore.Query
}

// Feed implements websocket.Feed over document store subscriptions. The
// actor is looked up again and re-authorized before every snapshot, so a
// role change or deletion ends the stream with an access_denied frame
// instead of leaking data.
type Feed struct {
	store    docstore.Store
	resolver *policy.Resolver
	profiles auth.ProfileLookup
	logger   zerolog.Logger
}

var _ websocket.Feed = (*Feed)(nil)

func NewFeed(store docstore.Store, resolver *policy.Resolver, profiles auth.ProfileLookup, logger zerolog.Logger) *Feed {
	return &Feed{
		store:    store,
		resolver: resolver,
		profiles: profiles,
		logger:   logger.With().Str("component", "realtime").Logger(),
	}
}

func limitOf(msg websocket.ClientMessage) int {
	switch {
	case msg.Limit <= 0:
		return defaultLimit
	case msg.Limit > maxLimit:
		return maxLimit
	}
	return msg.Limit
}

// resolveScope maps a subscription request onto a query the actor may run.
func resolveScope(actor policy.Actor, msg websocket.ClientMessage) (*scope, error) {
	q := docstore.Query{Collection: msg.Collection, LimitToLast: limitOf(msg)}
	sc := &scope{}

	switch msg.Collection {
	case "consultations", "maternityRecords", "babyRecords":
		sc.record = policy.RecordType(msg.Collection)
		ownerField, orderBy := "patientId", "date"
		switch msg.Collection {
		case "maternityRecords":
			orderBy = "pregnancyNumber"
		case "babyRecords":
			ownerField, orderBy = "motherId", "birthDate"
		}
		q.OrderBy = orderBy
		owner, err := ownerFor(actor, msg.PatientID)
		if err != nil {
			return nil, err
		}
		if owner != "" {
			q = q.Eq(ownerField, owner)
		}
		sc.target = policy.Target{OwnerID: owner}

	case "patients":
		sc.record = policy.RecordProfile
		q.OrderBy = "name"
		owner, err := ownerFor(actor, msg.PatientID)
		if err != nil {
			return nil, err
		}
		if owner != "" {
			q = q.Eq("id", owner)
		}
		sc.target = policy.Target{OwnerID: owner}

	case "appointments":
		sc.record = policy.RecordAppointment
		q.OrderBy = "appointmentDateTimeStart"
		switch {
		case actor.Role == policy.RolePatient:
			if msg.PatientID != "" && msg.PatientID != actor.ID {
				return nil, apperr.AccessDenied("record belongs to another patient")
			}
			q = q.Eq("patientId", actor.ID)
			sc.target = policy.Target{OwnerID: actor.ID}
		case actor.Role.IsProvider():
			q = q.Eq("doctorId", actor.ID)
			if msg.PatientID != "" {
				q = q.Eq("patientId", msg.PatientID)
			}
			sc.target = policy.Target{ProviderID: actor.ID}
		default:
			if msg.PatientID != "" {
				q = q.Eq("patientId", msg.PatientID)
			}
			sc.target = policy.Target{OwnerID: msg.PatientID}
		}

	case "doctorSchedules":
		sc.record = policy.RecordSchedule
		q.OrderBy = "doctorId"
		if actor.Role.IsProvider() {
			q = q.Eq("doctorId", actor.ID)
			sc.target = policy.Target{ProviderID: actor.ID}
		}

	case "auditLogs":
		sc.record = policy.RecordAuditLog
		q.OrderBy = "timestamp"

	default:
		return nil, apperr.Validation("collection", "cannot subscribe to "+msg.Collection)
	}
	sc.query = q
	return sc, nil
}

// ownerFor picks the patient a per-patient subscription covers. Admins may
// watch every patient, patients always watch themselves, providers must
// name one.
func ownerFor(actor policy.Actor, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	switch {
	case actor.Role == policy.RoleAdmin:
		return "", nil
	case actor.Role == policy.RolePatient:
		return actor.ID, nil
	}
	return "", apperr.Validation("patientId", "is required")
}

// Open authorizes the request and starts streaming snapshots.
func (f *Feed) Open(ctx context.Context, actor policy.Actor, msg websocket.ClientMessage) (<-chan websocket.Frame, error) {
	sc, err := resolveScope(actor, msg)
	if err != nil {
		return nil, err
	}
	if _, err := f.resolver.Authorize(ctx, actor, sc.record, sc.target, policy.OpRead); err != nil {
		return nil, err
	}
	snaps, cancel, err := f.store.Subscribe(ctx, sc.query)
	if err != nil {
		return nil, apperr.Store("subscribe "+msg.Collection, err)
	}

	out := make(chan websocket.Frame, 1)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				frame, keep := f.frame(ctx, actor.ID, msg.Collection, sc, snap)
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
				if !keep {
					return
				}
			}
		}
	}()
	return out, nil
}

// frame re-checks access and renders one snapshot. keep is false when the
// stream must end after this frame.
func (f *Feed) frame(ctx context.Context, actorID, collection string, sc *scope, snap docstore.Snapshot) (websocket.Frame, bool) {
	now := time.Now().UTC()
	if snap.Err != nil {
		f.logger.Warn().Err(snap.Err).Str("collection", collection).Msg("subscription query failed")
		return websocket.Frame{Type: websocket.FrameError, Collection: collection, Message: "query failed", Timestamp: now}, false
	}

	fresh, err := f.profiles.LookupActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownActor) {
			return websocket.Frame{Type: websocket.FrameAccessDenied, Collection: collection, Message: "account no longer exists", Timestamp: now}, false
		}
		f.logger.Warn().Err(err).Str("actor_id", actorID).Msg("actor lookup failed")
		return websocket.Frame{Type: websocket.FrameError, Collection: collection, Message: "actor lookup failed", Timestamp: now}, false
	}
	if _, err := f.resolver.Authorize(ctx, fresh, sc.record, sc.target, policy.OpRead); err != nil {
		t := websocket.FrameError
		if apperr.Is(err, apperr.KindAccessDenied) {
			t = websocket.FrameAccessDenied
		}
		return websocket.Frame{Type: t, Collection: collection, Message: err.Error(), Timestamp: now}, false
	}

	docs := make([]json.RawMessage, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		docs = append(docs, d.Data)
	}
	at := snap.At
	if at.IsZero() {
		at = now
	}
	return websocket.Frame{Type: websocket.FrameSnapshot, Collection: collection, Docs: docs, Timestamp: at.UTC()}, true
}
