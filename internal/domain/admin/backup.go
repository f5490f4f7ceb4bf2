package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rhu/healthrecords/internal/domain/audit"
	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

// credentialsCollection holds password hashes and never leaves the server.
const credentialsCollection = "credentials"

// Backup is a full export of the document tree.
type Backup struct {
	Filename string
	Body     []byte
}

// BackupFilename names an export taken at t, e.g.
// firebase-backup-2024-03-04T01-02-03-456Z.json.
func BackupFilename(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return "firebase-backup-" + stamp + ".json"
}

// Backup exports every collection except credentials after the actor
// confirms their password.
func (s *Service) Backup(ctx context.Context, actor policy.Actor, password string) (*Backup, error) {
	d, err := s.resolver.Authorize(ctx, actor, policy.RecordBackup, policy.Target{}, policy.OpExport)
	if err != nil {
		return nil, err
	}
	if d.RequiresReauth {
		if err := s.creds.Reauthenticate(ctx, actor.ID, password); err != nil {
			return nil, err
		}
	}

	tree, err := s.store.Export(ctx)
	if err != nil {
		return nil, apperr.Store("export", err)
	}
	delete(tree, credentialsCollection)
	body, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}

	b := &Backup{Filename: BackupFilename(s.now()), Body: body}
	counts := make(map[string]int, len(tree))
	for name, docs := range tree {
		counts[name] = len(docs)
	}
	s.recorder.Record(ctx, actor, audit.Event{
		Action:      audit.ActionBackupDownload,
		Description: "downloaded backup " + b.Filename,
		TargetType:  string(policy.RecordBackup),
		Details:     map[string]interface{}{"filename": b.Filename, "bytes": len(body), "collections": counts},
	})
	return b, nil
}
