package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rhu/healthrecords/internal/domain/audit"
	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

// Reauthenticator confirms passwords for destructive operations and drops
// the credential of a purged account.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context, actorID, password string) error
	Remove(ctx context.Context, actorID string) error
}

// Service moves records between their live and archive collections and
// produces backups. Every successful mutation is audited.
type Service struct {
	store    docstore.Store
	resolver *policy.Resolver
	creds    Reauthenticator
	recorder audit.Recorder
	now      func() time.Time
}

func NewService(store docstore.Store, resolver *policy.Resolver, creds Reauthenticator, recorder audit.Recorder) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		creds:    creds,
		recorder: recorder,
		now:      time.Now,
	}
}

type fieldMap map[string]json.RawMessage

func (f fieldMap) str(name string) string {
	var s string
	if raw, ok := f[name]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func (s *Service) load(ctx context.Context, collection, id, label string) (fieldMap, error) {
	doc, err := s.store.Get(ctx, collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound(label, id)
	}
	if err != nil {
		return nil, apperr.Store("load "+label, err)
	}
	var fields fieldMap
	if err := json.Unmarshal(doc.Data, &fields); err != nil {
		return nil, apperr.Store("decode "+label, err)
	}
	if fields == nil {
		fields = fieldMap{}
	}
	if _, ok := fields["id"]; !ok {
		fields["id"], _ = json.Marshal(id)
	}
	return fields, nil
}

func target(k Kind, fields fieldMap) policy.Target {
	t := policy.Target{OwnerID: fields.str(k.OwnerField)}
	if k.Slug == KindPatient.Slug {
		t.OwnerRole = policy.Role(fields.str("role"))
	}
	return t
}

func (s *Service) owned(ctx context.Context, collection, field, ownerID string) ([]docstore.Document, error) {
	docs, err := s.store.Query(ctx, docstore.Query{Collection: collection}.Eq(field, ownerID))
	if err != nil {
		return nil, apperr.Store("list "+collection, err)
	}
	return docs, nil
}

// -- Archive --

// Archive moves a live record into its archive collection. Archiving a
// patient also archives their consultations, maternity records and babies,
// marked with the patient id.
func (s *Service) Archive(ctx context.Context, actor policy.Actor, k Kind, id string) (*ArchiveResult, error) {
	fields, err := s.load(ctx, k.Live, id, k.Label)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actor, k.Record, target(k, fields), policy.OpDelete); err != nil {
		return nil, err
	}

	res := &ArchiveResult{Kind: k.Slug, ID: id}
	if k.Slug == KindPatient.Slug {
		res.Cascaded = map[string]int{}
		for _, child := range cascade {
			docs, err := s.owned(ctx, child.Live, child.OwnerField, id)
			if err != nil {
				return nil, err
			}
			for _, d := range docs {
				var cf fieldMap
				if err := json.Unmarshal(d.Data, &cf); err != nil {
					return nil, apperr.Store("decode "+child.Label, err)
				}
				if err := s.move(ctx, child, d.ID, cf, actor.ID, id); err != nil {
					return nil, err
				}
			}
			res.Cascaded[child.Slug] = len(docs)
		}
	}
	if err := s.move(ctx, k, id, fields, actor.ID, ""); err != nil {
		return nil, err
	}

	details := map[string]interface{}{"type": k.Slug}
	if res.Cascaded != nil {
		details["cascaded"] = res.Cascaded
	}
	s.recorder.Record(ctx, actor, audit.Event{
		Action:      audit.ActionDelete,
		Description: fmt.Sprintf("archived %s %s", k.Label, id),
		TargetID:    id,
		TargetType:  string(k.Record),
		Details:     details,
	})
	return res, nil
}

func (s *Service) move(ctx context.Context, k Kind, id string, fields fieldMap, by, with string) error {
	archived := make(fieldMap, len(fields)+3)
	for name, v := range fields {
		archived[name] = v
	}
	archived[fieldArchivedAt], _ = json.Marshal(docstore.FormatTime(s.now()))
	archived[fieldArchivedBy], _ = json.Marshal(by)
	archived[fieldArchivedWith], _ = json.Marshal(with)

	if err := s.store.Set(ctx, k.Archived, id, archived); err != nil {
		return apperr.Store("archive "+k.Label, err)
	}
	if err := s.store.Delete(ctx, k.Live, id); err != nil {
		return apperr.Store("remove "+k.Label, err)
	}
	return nil
}

// ListArchived returns archived records of one kind, newest first.
func (s *Service) ListArchived(ctx context.Context, actor policy.Actor, k Kind) ([]ArchivedRecord, error) {
	if _, err := s.resolver.Authorize(ctx, actor, k.Record, policy.Target{}, policy.OpRestore); err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, docstore.Query{Collection: k.Archived, OrderBy: fieldArchivedAt})
	if err != nil {
		return nil, apperr.Store("list archived "+k.Label, err)
	}
	out := make([]ArchivedRecord, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		var r ArchivedRecord
		if err := docs[i].Decode(&r); err != nil {
			return nil, apperr.Store("decode archived "+k.Label, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Restore moves an archived record back. Restoring a patient also restores
// the records archived with them.
func (s *Service) Restore(ctx context.Context, actor policy.Actor, k Kind, id string) (*ArchiveResult, error) {
	fields, err := s.load(ctx, k.Archived, id, "archived "+k.Label)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actor, k.Record, target(k, fields), policy.OpRestore); err != nil {
		return nil, err
	}
	if err := s.unarchive(ctx, k, id, fields); err != nil {
		return nil, err
	}

	res := &ArchiveResult{Kind: k.Slug, ID: id}
	if k.Slug == KindPatient.Slug {
		res.Cascaded = map[string]int{}
		for _, child := range cascade {
			docs, err := s.owned(ctx, child.Archived, fieldArchivedWith, id)
			if err != nil {
				return nil, err
			}
			for _, d := range docs {
				var cf fieldMap
				if err := json.Unmarshal(d.Data, &cf); err != nil {
					return nil, apperr.Store("decode archived "+child.Label, err)
				}
				if err := s.unarchive(ctx, child, d.ID, cf); err != nil {
					return nil, err
				}
			}
			res.Cascaded[child.Slug] = len(docs)
		}
	}

	s.recorder.Record(ctx, actor, audit.Event{
		Action:      audit.ActionRestore,
		Description: fmt.Sprintf("restored %s %s", k.Label, id),
		TargetID:    id,
		TargetType:  string(k.Record),
		Details:     map[string]interface{}{"type": k.Slug},
	})
	return res, nil
}

func (s *Service) unarchive(ctx context.Context, k Kind, id string, fields fieldMap) error {
	live := make(fieldMap, len(fields))
	for name, v := range fields {
		switch name {
		case fieldArchivedAt, fieldArchivedBy, fieldArchivedWith:
		default:
			live[name] = v
		}
	}
	err := s.store.Create(ctx, k.Live, id, live)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return apperr.Validation("id", "a live "+k.Label+" with this id already exists")
	}
	if err != nil {
		return apperr.Store("restore "+k.Label, err)
	}
	if err := s.store.Delete(ctx, k.Archived, id); err != nil {
		return apperr.Store("remove archived "+k.Label, err)
	}
	return nil
}

// Purge permanently deletes an archived record after the actor confirms
// their password. Purging a patient also removes the records archived with
// them and their login credential.
func (s *Service) Purge(ctx context.Context, actor policy.Actor, k Kind, id, password string) error {
	fields, err := s.load(ctx, k.Archived, id, "archived "+k.Label)
	if err != nil {
		return err
	}
	d, err := s.resolver.Authorize(ctx, actor, k.Record, target(k, fields), policy.OpPurge)
	if err != nil {
		return err
	}
	if d.RequiresReauth {
		if err := s.creds.Reauthenticate(ctx, actor.ID, password); err != nil {
			return err
		}
	}

	purged := map[string]int{}
	if k.Slug == KindPatient.Slug {
		for _, child := range cascade {
			docs, err := s.owned(ctx, child.Archived, fieldArchivedWith, id)
			if err != nil {
				return err
			}
			for _, doc := range docs {
				if err := s.store.Delete(ctx, child.Archived, doc.ID); err != nil {
					return apperr.Store("purge "+child.Label, err)
				}
			}
			purged[child.Slug] = len(docs)
		}
		if err := s.creds.Remove(ctx, id); err != nil {
			return err
		}
	}
	if err := s.store.Delete(ctx, k.Archived, id); err != nil {
		return apperr.Store("purge "+k.Label, err)
	}

	details := map[string]interface{}{"type": k.Slug}
	if len(purged) > 0 {
		details["cascaded"] = purged
	}
	s.recorder.Record(ctx, actor, audit.Event{
		Action:      audit.ActionPermanentDelete,
		Description: fmt.Sprintf("permanently deleted %s %s", k.Label, id),
		TargetID:    id,
		TargetType:  string(k.Record),
		Details:     details,
	})
	return nil
}
