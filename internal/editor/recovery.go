package editor

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// TargetKind names a restore point selectable in the recovery flow.
type TargetKind string

const (
	TargetCurrentDraft   TargetKind = "current"
	TargetPreviousBackup TargetKind = "backup"
	TargetLastPersisted  TargetKind = "persisted"
	TargetNamedSnapshot  TargetKind = "snapshot"
)

// RestoreTarget selects one restore point; SnapshotID is set only for
// named snapshots.
type RestoreTarget struct {
	Kind       TargetKind `json:"kind"`
	SnapshotID string     `json:"snapshotId,omitempty"`
}

func (t RestoreTarget) label() string {
	if t.Kind == TargetNamedSnapshot {
		return "snapshot " + t.SnapshotID
	}
	return string(t.Kind)
}

// RestorePoint is a selectable target plus its display metadata.
type RestorePoint struct {
	Target    RestoreTarget `json:"target"`
	Label     string        `json:"label"`
	CreatedAt time.Time     `json:"createdAt,omitzero"`
}

// Snapshot is an immutable historical copy owned by the persistence side;
// the editor only ever reads it.
type Snapshot struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// SnapshotSource lists and fetches the persistence collaborator's
// snapshots for one document.
type SnapshotSource interface {
	List(ctx context.Context, documentID string) ([]Snapshot, error)
	Get(ctx context.Context, documentID, snapshotID string) (json.RawMessage, error)
}

// ConfirmRequest is the yes/no prompt shown before a destructive restore.
type ConfirmRequest struct {
	Title   string
	Message string
	Kind    string
}

// Confirmer gates destructive restores. It retains no state; the session
// asks exactly once per restore that would discard unsaved content.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (bool, error)
}

var (
	// ErrRestoreDeclined reports that the user rejected the confirmation
	// prompt; nothing was changed.
	ErrRestoreDeclined = errors.New("restore declined")
	// ErrRestoreInProgress guards against overlapping restore attempts.
	ErrRestoreInProgress = errors.New("restore already in progress")
	// ErrNoBackup reports that the backup slot is empty.
	ErrNoBackup = errors.New("no backup draft to restore")
)
