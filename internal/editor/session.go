package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"lorekeep/api/internal/analysis"
	"lorekeep/api/internal/doc"
)

// Event is pushed to the editing UI whenever the session's observable
// state changes asynchronously (overlay updates, analysis errors, saves).
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Deps wires a session's collaborators. Notify and OnDirty may be nil.
type Deps struct {
	Checker       Checker
	CheckOptions  analysis.Options
	DebounceDelay time.Duration
	Snapshots     SnapshotSource
	Notify        func(Event)
	OnDirty       func()
}

// Session is one open document's editor state. A mutex serializes every
// operation, so the draft/overlay pair moves between observable states in
// single atomic steps: an analysis result is applied as one overlay
// replacement, never interleaved with a partial edit.
type Session struct {
	docID string
	deps  Deps
	coord *Coordinator

	mu          sync.Mutex
	document    *doc.Document
	draft       Draft
	persisted   Draft
	backup      *Draft
	dirty       bool
	rev         int64
	overlay     []Annotation
	analysisOn  bool
	analysisErr string
	restoring   bool
}

// NewSession opens a session over the last persisted serialized document.
func NewSession(docID string, persisted json.RawMessage, deps Deps) (*Session, error) {
	parsed, err := doc.Parse(persisted)
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", docID, err)
	}
	draft, err := NewDraft(parsed)
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", docID, err)
	}

	s := &Session{
		docID:      docID,
		deps:       deps,
		document:   parsed,
		draft:      draft,
		persisted:  draft,
		analysisOn: deps.Checker != nil,
	}
	s.coord = NewCoordinator(deps.Checker, deps.CheckOptions, deps.DebounceDelay, s.handleResult, s.handleError)
	return s, nil
}

// Close cancels any pending analysis timer.
func (s *Session) Close() {
	s.coord.Stop()
}

// DocumentID returns the id of the document this session edits.
func (s *Session) DocumentID() string {
	return s.docID
}

// Draft returns the current draft bundle.
func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Dirty reports whether the draft has unsaved changes.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Annotations returns a copy of the current overlay.
func (s *Session) Annotations() []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Annotation, len(s.overlay))
	copy(out, s.overlay)
	return out
}

// AnalysisError returns the current user-visible analysis error state, or
// the empty string.
func (s *Session) AnalysisError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analysisErr
}

// SavePayload returns the revision and draft an autosave should persist.
func (s *Session) SavePayload() (int64, Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev, s.draft, s.dirty
}

// ApplyEdit replaces the document positions [from, to) with text. The edit
// is staged on a parsed copy of the current draft, so a failure anywhere —
// invalid range, projection invariant violation — leaves the draft and
// overlay exactly as they were.
func (s *Session) ApplyEdit(from, to int, text string) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyEditLocked(from, to, text)
}

func (s *Session) applyEditLocked(from, to int, text string) (Draft, error) {
	working, err := doc.Parse(s.draft.Serialized)
	if err != nil {
		return Draft{}, fmt.Errorf("stage edit: %w", err)
	}
	tr, err := working.ReplaceRange(from, to, text)
	if err != nil {
		return Draft{}, err
	}
	next, err := NewDraft(working)
	if err != nil {
		log.Printf("editor: edit abandoned for %s: %v", s.docID, err)
		return Draft{}, err
	}

	s.document = working
	s.draft = next
	s.overlay = remapAnnotations(s.overlay, tr)
	s.markDirtyLocked()
	if s.analysisOn {
		s.coord.TextChanged(next.PlainText)
	}
	s.notify(Event{Type: "draft", Data: map[string]any{"rev": s.rev, "dirty": true}})
	return next, nil
}

// AcceptSuggestion applies one of an annotation's suggested replacements.
// The replacement is an ordinary edit — remaining annotations slide
// through it — after which the accepted annotation itself is removed
// rather than left stale.
func (s *Session) AcceptSuggestion(annotationID, value string) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *Annotation
	for i := range s.overlay {
		if s.overlay[i].ID == annotationID {
			target = &s.overlay[i]
			break
		}
	}
	if target == nil {
		return Draft{}, fmt.Errorf("annotation %s not found", annotationID)
	}
	if value == "" && len(target.Replacements) > 0 {
		value = target.Replacements[0]
	}

	next, err := s.applyEditLocked(target.From, target.To, value)
	if err != nil {
		return Draft{}, err
	}
	s.overlay, _ = removeAnnotation(s.overlay, annotationID)
	s.notify(Event{Type: "annotations", Data: s.overlay})
	return next, nil
}

// Dismiss removes a single annotation without editing the document.
func (s *Session) Dismiss(annotationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed bool
	s.overlay, removed = removeAnnotation(s.overlay, annotationID)
	if removed {
		s.notify(Event{Type: "annotations", Data: s.overlay})
	}
	return removed
}

// SetAnalysisEnabled toggles the analysis feature. Disabling clears the
// overlay; enabling schedules a fresh run over the current text.
func (s *Session) SetAnalysisEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == s.analysisOn {
		return
	}
	s.analysisOn = on
	if on {
		s.coord.TextChanged(s.draft.PlainText)
	} else {
		s.coord.Stop()
		s.overlay = nil
		s.analysisErr = ""
		s.notify(Event{Type: "annotations", Data: []Annotation{}})
	}
}

// AnalysisEnabled reports whether analysis is currently on.
func (s *Session) AnalysisEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analysisOn
}

// handleResult applies an analysis result as one overlay replacement. The
// result may have been computed against older text; its offsets are
// re-anchored through the position map that is current right now, which
// is what makes a stale result harmless. The sequence check only feeds
// the log.
func (s *Session) handleResult(seq int64, text string, matches []analysis.Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.analysisOn {
		return
	}
	if seq != s.coord.Latest() {
		log.Printf("editor: applying superseded analysis result %d for %s (latest %d)", seq, s.docID, s.coord.Latest())
	}
	if text != s.draft.PlainText {
		log.Printf("editor: analysis result for %s computed against stale text, re-anchoring", s.docID)
	}
	s.overlay = annotationsFromMatches(matches, s.draft)
	s.analysisErr = ""
	s.notify(Event{Type: "annotations", Data: s.overlay})
}

// handleError records a single user-visible error state and leaves the
// existing overlay untouched.
func (s *Session) handleError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysisErr = err.Error()
	s.notify(Event{Type: "analysisError", Data: map[string]any{"message": err.Error()}})
}

// MarkSaved records a completed persist. The persisted baseline always
// advances (last write wins); dirty is cleared only if no edit landed
// since the save captured its payload.
func (s *Session) MarkSaved(rev int64, saved Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = saved
	if rev == s.rev {
		s.dirty = false
	}
	s.notify(Event{Type: "saved", Data: map[string]any{"rev": rev, "dirty": s.dirty}})
}

// AdoptDraft swaps in a recovered draft (e.g. from the crash-recovery
// cache) as the current, dirty draft. The persisted baseline is kept.
func (s *Session) AdoptDraft(serialized json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parsed, err := doc.Parse(serialized)
	if err != nil {
		return fmt.Errorf("adopt recovered draft: %w", err)
	}
	draft, err := NewDraft(parsed)
	if err != nil {
		return fmt.Errorf("adopt recovered draft: %w", err)
	}
	s.document = parsed
	s.draft = draft
	s.overlay = nil
	s.markDirtyLocked()
	if s.analysisOn {
		s.coord.TextChanged(draft.PlainText)
	}
	return nil
}

// RestorePoints returns the currently selectable restore targets. The
// backup entry appears only while a backup exists.
func (s *Session) RestorePoints(ctx context.Context) ([]RestorePoint, error) {
	s.mu.Lock()
	hasBackup := s.backup != nil
	s.mu.Unlock()

	points := []RestorePoint{
		{Target: RestoreTarget{Kind: TargetCurrentDraft}, Label: "Current draft"},
	}
	if hasBackup {
		points = append(points, RestorePoint{Target: RestoreTarget{Kind: TargetPreviousBackup}, Label: "Previous draft (undo backup)"})
	}
	points = append(points, RestorePoint{Target: RestoreTarget{Kind: TargetLastPersisted}, Label: "Last saved version"})

	if s.deps.Snapshots != nil {
		snapshots, err := s.deps.Snapshots.List(ctx, s.docID)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, snap := range snapshots {
			label := snap.Name
			if label == "" {
				label = "Snapshot " + snap.ID
			}
			points = append(points, RestorePoint{
				Target:    RestoreTarget{Kind: TargetNamedSnapshot, SnapshotID: snap.ID},
				Label:     label,
				CreatedAt: snap.CreatedAt,
			})
		}
	}
	return points, nil
}

// Preview renders a restore target's plain text without touching the live
// draft. Snapshot content is fetched and projected before the session
// lock is taken, so a slow snapshot store never holds up editing.
func (s *Session) Preview(ctx context.Context, target RestoreTarget) (string, error) {
	if target.Kind == TargetNamedSnapshot {
		raw, err := s.fetchSnapshot(ctx, target.SnapshotID)
		if err != nil {
			return "", err
		}
		parsed, err := doc.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("preview %s: %w", target.label(), err)
		}
		proj, err := parsed.Project()
		if err != nil {
			return "", fmt.Errorf("preview %s: %w", target.label(), err)
		}
		return proj.PlainText, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch target.Kind {
	case TargetCurrentDraft:
		return s.draft.PlainText, nil
	case TargetPreviousBackup:
		if s.backup == nil {
			return "", ErrNoBackup
		}
		return s.backup.PlainText, nil
	case TargetLastPersisted:
		return s.persisted.PlainText, nil
	}
	return "", fmt.Errorf("unknown restore target %q", target.Kind)
}

// Restore is the only mutating recovery transition. Restoring the current
// draft onto itself is a no-op. Restoring the backup is a lightweight
// revert that consumes the backup slot and creates no new backup. Any
// other target first backs up the live draft — but only when it is dirty —
// and requires confirmation before unsaved content is discarded. Malformed
// stored content aborts the transition with the live draft untouched.
func (s *Session) Restore(ctx context.Context, target RestoreTarget, confirmer Confirmer) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target.Kind == TargetCurrentDraft {
		return s.draft, nil
	}
	if s.restoring {
		return Draft{}, ErrRestoreInProgress
	}
	s.restoring = true
	defer func() { s.restoring = false }()

	var raw json.RawMessage
	switch target.Kind {
	case TargetPreviousBackup:
		if s.backup == nil {
			return Draft{}, ErrNoBackup
		}
		raw = s.backup.Serialized
	case TargetLastPersisted:
		raw = s.persisted.Serialized
	case TargetNamedSnapshot:
		fetched, err := s.fetchSnapshot(ctx, target.SnapshotID)
		if err != nil {
			return Draft{}, err
		}
		raw = fetched
	default:
		return Draft{}, fmt.Errorf("unknown restore target %q", target.Kind)
	}

	parsed, err := doc.Parse(raw)
	if err != nil {
		return Draft{}, fmt.Errorf("restore %s: %w", target.label(), err)
	}
	next, err := NewDraft(parsed)
	if err != nil {
		return Draft{}, fmt.Errorf("restore %s: %w", target.label(), err)
	}

	if s.dirty {
		if confirmer == nil {
			return Draft{}, ErrRestoreDeclined
		}
		ok, err := confirmer.Confirm(ctx, ConfirmRequest{
			Title:   "Discard unsaved changes?",
			Message: confirmMessage(target),
			Kind:    "destructive",
		})
		if err != nil {
			return Draft{}, fmt.Errorf("confirm restore: %w", err)
		}
		if !ok {
			return Draft{}, ErrRestoreDeclined
		}
	}

	if target.Kind == TargetPreviousBackup {
		s.backup = nil
	} else if s.dirty {
		// At most one backup: a new qualifying restore supersedes it.
		previous := s.draft
		s.backup = &previous
	}

	s.document = parsed
	s.draft = next
	s.overlay = nil
	s.analysisErr = ""
	s.markDirtyLocked()
	if s.analysisOn {
		s.coord.TextChanged(next.PlainText)
	}
	s.notify(Event{Type: "restored", Data: map[string]any{"target": target, "rev": s.rev}})
	return next, nil
}

// confirmMessage spells out what a restore of the target does with the
// current draft. Reverting to the backup consumes it, so that prompt must
// not promise one.
func confirmMessage(target RestoreTarget) string {
	if target.Kind == TargetPreviousBackup {
		return "Reverting will replace your current draft with the backup and use it up; no new backup is kept."
	}
	return fmt.Sprintf("Restoring %s will replace your current draft. The draft will be kept as a one-step backup.", target.label())
}

// HasBackup reports whether the one-deep undo backup is present.
func (s *Session) HasBackup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backup != nil
}

func (s *Session) fetchSnapshot(ctx context.Context, snapshotID string) (json.RawMessage, error) {
	if s.deps.Snapshots == nil {
		return nil, fmt.Errorf("no snapshot source configured")
	}
	raw, err := s.deps.Snapshots.Get(ctx, s.docID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	return raw, nil
}

func (s *Session) markDirtyLocked() {
	s.dirty = true
	s.rev++
	if s.deps.OnDirty != nil {
		s.deps.OnDirty()
	}
}

func (s *Session) notify(event Event) {
	if s.deps.Notify != nil {
		s.deps.Notify(event)
	}
}
