package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"lorekeep/api/internal/analysis"
)

type fakeChecker struct {
	mu      sync.Mutex
	calls   []string
	matches []analysis.Match
	err     error
	fired   chan string
}

func (f *fakeChecker) Check(_ context.Context, text string, _ analysis.Options) ([]analysis.Match, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if f.fired != nil {
		f.fired <- text
	}
	return f.matches, f.err
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSnapshots struct {
	snapshots []Snapshot
	content   map[string]json.RawMessage
	listErr   error
}

func (f *fakeSnapshots) List(_ context.Context, _ string) ([]Snapshot, error) {
	return f.snapshots, f.listErr
}

func (f *fakeSnapshots) Get(_ context.Context, _, snapshotID string) (json.RawMessage, error) {
	raw, ok := f.content[snapshotID]
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found", snapshotID)
	}
	return raw, nil
}

type fakeConfirmer struct {
	calls  int
	answer bool
	err    error
	last   ConfirmRequest
}

func (f *fakeConfirmer) Confirm(_ context.Context, req ConfirmRequest) (bool, error) {
	f.calls++
	f.last = req
	return f.answer, f.err
}

// blockingSnapshots parks Get until release is closed, standing in for a
// slow snapshot store.
type blockingSnapshots struct {
	release chan struct{}
	content json.RawMessage
}

func (b *blockingSnapshots) List(_ context.Context, _ string) ([]Snapshot, error) {
	return nil, nil
}

func (b *blockingSnapshots) Get(_ context.Context, _, _ string) (json.RawMessage, error) {
	<-b.release
	return b.content, nil
}

func paragraphDoc(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type": "doc",
		"content": []any{map[string]any{
			"type":    "paragraph",
			"content": []any{map[string]any{"type": "text", "text": text}},
		}},
	})
	return raw
}

// newTestSession opens a session whose debounce never fires on its own,
// so tests drive analysis results deterministically.
func newTestSession(t *testing.T, text string, deps Deps) *Session {
	t.Helper()
	if deps.DebounceDelay == 0 {
		deps.DebounceDelay = time.Hour
	}
	s, err := NewSession("doc-1", paragraphDoc(text), deps)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestApplyEditUpdatesDraftAndMarksDirty(t *testing.T) {
	s := newTestSession(t, "Hello", Deps{})
	if s.Dirty() {
		t.Fatal("fresh session must not be dirty")
	}
	next, err := s.ApplyEdit(6, 6, " world")
	if err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	if next.PlainText != "Hello world" {
		t.Errorf("got %q, want %q", next.PlainText, "Hello world")
	}
	if !s.Dirty() {
		t.Error("edit must mark the session dirty")
	}
}

func TestApplyEditFailureLeavesDraftUntouched(t *testing.T) {
	s := newTestSession(t, "Hello", Deps{})
	before := s.Draft()

	// Position 0 is the paragraph's opening boundary, not inline content.
	if _, err := s.ApplyEdit(0, 0, "x"); err == nil {
		t.Fatal("expected a boundary-position error")
	}
	after := s.Draft()
	if after.PlainText != before.PlainText || string(after.Serialized) != string(before.Serialized) {
		t.Error("failed edit must not change the draft")
	}
	if s.Dirty() {
		t.Error("failed edit must not mark the session dirty")
	}
}

func TestAcceptSuggestionEditsAndRemapsRemainingAnnotations(t *testing.T) {
	checker := &fakeChecker{}
	s := newTestSession(t, "Helo wrold", Deps{Checker: checker})

	s.handleResult(0, "Helo wrold", []analysis.Match{
		{Offset: 0, Length: 4, Message: "spelling", Replacements: []string{"Hello"}},
		{Offset: 5, Length: 5, Message: "spelling", Replacements: []string{"world"}},
	})
	anns := s.Annotations()
	if len(anns) != 2 {
		t.Fatalf("got %d annotations, want 2", len(anns))
	}

	next, err := s.AcceptSuggestion(anns[0].ID, "")
	if err != nil {
		t.Fatalf("accept suggestion: %v", err)
	}
	if next.PlainText != "Hello wrold" {
		t.Errorf("got %q, want %q", next.PlainText, "Hello wrold")
	}

	remaining := s.Annotations()
	if len(remaining) != 1 {
		t.Fatalf("got %d annotations after accept, want 1", len(remaining))
	}
	// The second finding shifted right by one through the replacement.
	if remaining[0].From != 7 || remaining[0].To != 12 {
		t.Errorf("remaining annotation at [%d, %d), want [7, 12)", remaining[0].From, remaining[0].To)
	}
}

func TestAcceptSuggestionUnknownAnnotation(t *testing.T) {
	s := newTestSession(t, "Hello", Deps{})
	if _, err := s.AcceptSuggestion("nope", "x"); err == nil {
		t.Fatal("expected an error for an unknown annotation id")
	}
}

func TestDismissRemovesOnlyTheTargetedAnnotation(t *testing.T) {
	checker := &fakeChecker{}
	s := newTestSession(t, "abc def", Deps{Checker: checker})
	s.handleResult(0, "abc def", []analysis.Match{
		{Offset: 0, Length: 3},
		{Offset: 4, Length: 3},
	})
	anns := s.Annotations()
	if !s.Dismiss(anns[0].ID) {
		t.Fatal("expected dismissal to succeed")
	}
	if got := s.Annotations(); len(got) != 1 || got[0].ID != anns[1].ID {
		t.Errorf("dismiss removed the wrong annotation: %+v", got)
	}
	if s.Dismiss("gone") {
		t.Error("dismissing an unknown id must report false")
	}
}

func TestStaleResultIsReanchoredNotRejected(t *testing.T) {
	checker := &fakeChecker{}
	s := newTestSession(t, "short", Deps{Checker: checker})

	// A result computed against longer, older text: the fitting match is
	// re-anchored against the current map, the rest are dropped.
	s.handleResult(0, "short and much longer", []analysis.Match{
		{Offset: 0, Length: 5, Message: "fits"},
		{Offset: 10, Length: 6, Message: "beyond current text"},
	})
	anns := s.Annotations()
	if len(anns) != 1 {
		t.Fatalf("got %d annotations, want 1", len(anns))
	}
	if anns[0].From != 1 || anns[0].To != 6 {
		t.Errorf("got [%d, %d), want [1, 6)", anns[0].From, anns[0].To)
	}
}

func TestAnalysisErrorKeepsOverlay(t *testing.T) {
	checker := &fakeChecker{}
	s := newTestSession(t, "abc", Deps{Checker: checker})
	s.handleResult(0, "abc", []analysis.Match{{Offset: 0, Length: 3}})

	s.handleError(errors.New("service unavailable"))
	if s.AnalysisError() != "service unavailable" {
		t.Errorf("got analysis error %q", s.AnalysisError())
	}
	if len(s.Annotations()) != 1 {
		t.Error("a failed run must leave the existing overlay in place")
	}

	// The next successful result clears the error state.
	s.handleResult(0, "abc", nil)
	if s.AnalysisError() != "" {
		t.Error("successful result must clear the error state")
	}
}

func TestDisablingAnalysisClearsOverlayAndIgnoresResults(t *testing.T) {
	checker := &fakeChecker{}
	s := newTestSession(t, "abc", Deps{Checker: checker})
	s.handleResult(0, "abc", []analysis.Match{{Offset: 0, Length: 3}})

	s.SetAnalysisEnabled(false)
	if len(s.Annotations()) != 0 {
		t.Fatal("disabling analysis must clear the overlay")
	}
	s.handleResult(0, "abc", []analysis.Match{{Offset: 0, Length: 3}})
	if len(s.Annotations()) != 0 {
		t.Error("results arriving while disabled must be ignored")
	}
}

func TestCoordinatorDebouncesToTrailingEdge(t *testing.T) {
	checker := &fakeChecker{fired: make(chan string, 1)}
	c := NewCoordinator(checker, analysis.Options{}, 20*time.Millisecond,
		func(int64, string, []analysis.Match) {}, func(error) {})
	defer c.Stop()

	c.TextChanged("one")
	c.TextChanged("two")
	c.TextChanged("three")

	select {
	case text := <-checker.fired:
		if text != "three" {
			t.Errorf("checked %q, want the last text", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("debounced check never fired")
	}

	// No further request is pending.
	select {
	case text := <-checker.fired:
		t.Errorf("unexpected extra check with %q", text)
	case <-time.After(100 * time.Millisecond):
	}
	if checker.callCount() != 1 {
		t.Errorf("got %d checks, want 1", checker.callCount())
	}
}

func TestMarkSavedClearsDirtyOnlyForTheSavedRevision(t *testing.T) {
	s := newTestSession(t, "Hello", Deps{})
	if _, err := s.ApplyEdit(6, 6, "!"); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	rev, draft, dirty := s.SavePayload()
	if !dirty {
		t.Fatal("expected a dirty payload")
	}

	// Another edit lands while the save is in flight.
	if _, err := s.ApplyEdit(7, 7, "?"); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	s.MarkSaved(rev, draft)
	if !s.Dirty() {
		t.Error("a save of a superseded revision must not clear dirty")
	}

	rev2, draft2, _ := s.SavePayload()
	s.MarkSaved(rev2, draft2)
	if s.Dirty() {
		t.Error("saving the current revision must clear dirty")
	}
}

func TestRestoreCleanSessionSkipsConfirmation(t *testing.T) {
	confirmer := &fakeConfirmer{answer: true}
	s := newTestSession(t, "saved", Deps{})

	next, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetLastPersisted}, confirmer)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if confirmer.calls != 0 {
		t.Errorf("clean restore asked for confirmation %d times, want 0", confirmer.calls)
	}
	if next.PlainText != "saved" {
		t.Errorf("got %q", next.PlainText)
	}
	if s.HasBackup() {
		t.Error("clean restore must not create a backup")
	}
}

func TestRestoreDirtySessionConfirmsOnceAndBacksUp(t *testing.T) {
	confirmer := &fakeConfirmer{answer: true}
	s := newTestSession(t, "saved", Deps{})
	if _, err := s.ApplyEdit(6, 6, " plus"); err != nil {
		t.Fatalf("apply edit: %v", err)
	}

	next, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetLastPersisted}, confirmer)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if confirmer.calls != 1 {
		t.Errorf("asked for confirmation %d times, want exactly 1", confirmer.calls)
	}
	if next.PlainText != "saved" {
		t.Errorf("got %q, want the persisted text", next.PlainText)
	}
	if !s.HasBackup() {
		t.Fatal("dirty restore must back up the replaced draft")
	}

	// The backup holds the pre-restore draft; restoring it consumes the slot.
	restored, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetPreviousBackup}, confirmer)
	if err != nil {
		t.Fatalf("restore backup: %v", err)
	}
	if restored.PlainText != "saved plus" {
		t.Errorf("backup restored %q, want %q", restored.PlainText, "saved plus")
	}
	if s.HasBackup() {
		t.Error("restoring the backup must consume the slot")
	}
}

func TestRestoreConfirmationMessageMatchesTarget(t *testing.T) {
	s := newTestSession(t, "saved", Deps{})
	if _, err := s.ApplyEdit(6, 6, " one"); err != nil {
		t.Fatalf("apply edit: %v", err)
	}

	first := &fakeConfirmer{answer: true}
	if _, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetLastPersisted}, first); err != nil {
		t.Fatalf("restore persisted: %v", err)
	}
	if !strings.Contains(first.last.Message, "one-step backup") {
		t.Errorf("persisted restore prompt %q must promise the backup", first.last.Message)
	}

	// The restored draft is dirty and the backup slot is filled, so the
	// revert prompts too. Consuming the backup must not promise one.
	second := &fakeConfirmer{answer: true}
	if _, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetPreviousBackup}, second); err != nil {
		t.Fatalf("restore backup: %v", err)
	}
	if second.calls != 1 {
		t.Fatalf("backup restore asked for confirmation %d times, want 1", second.calls)
	}
	if strings.Contains(second.last.Message, "one-step backup") {
		t.Errorf("backup revert prompt %q must not promise a kept backup", second.last.Message)
	}
}

func TestRestoreDeclinedLeavesEverything(t *testing.T) {
	confirmer := &fakeConfirmer{answer: false}
	s := newTestSession(t, "saved", Deps{})
	if _, err := s.ApplyEdit(6, 6, "!"); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	before := s.Draft()

	_, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetLastPersisted}, confirmer)
	if !errors.Is(err, ErrRestoreDeclined) {
		t.Fatalf("got %v, want ErrRestoreDeclined", err)
	}
	if s.Draft().PlainText != before.PlainText {
		t.Error("declined restore must not touch the draft")
	}
	if !s.Dirty() {
		t.Error("declined restore must leave the session dirty")
	}
	if s.HasBackup() {
		t.Error("declined restore must not create a backup")
	}
}

func TestRestoreBackupSupersededByLaterRestore(t *testing.T) {
	confirmer := &fakeConfirmer{answer: true}
	s := newTestSession(t, "saved", Deps{})

	if _, err := s.ApplyEdit(6, 6, " one"); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	if _, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetLastPersisted}, confirmer); err != nil {
		t.Fatalf("first restore: %v", err)
	}
	if _, err := s.ApplyEdit(6, 6, " two"); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	if _, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetLastPersisted}, confirmer); err != nil {
		t.Fatalf("second restore: %v", err)
	}

	restored, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetPreviousBackup}, confirmer)
	if err != nil {
		t.Fatalf("restore backup: %v", err)
	}
	if restored.PlainText != "saved two" {
		t.Errorf("backup holds %q, want the most recently replaced draft %q", restored.PlainText, "saved two")
	}
}

func TestRestoreSnapshotParsesBeforeConfirming(t *testing.T) {
	snaps := &fakeSnapshots{content: map[string]json.RawMessage{
		"bad": json.RawMessage(`{"type":"banana"}`),
	}}
	confirmer := &fakeConfirmer{answer: true}
	s := newTestSession(t, "saved", Deps{Snapshots: snaps})
	if _, err := s.ApplyEdit(6, 6, "!"); err != nil {
		t.Fatalf("apply edit: %v", err)
	}

	_, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetNamedSnapshot, SnapshotID: "bad"}, confirmer)
	if err == nil {
		t.Fatal("expected a parse error for the malformed snapshot")
	}
	if confirmer.calls != 0 {
		t.Error("malformed content must be rejected before the user is prompted")
	}
	if s.Draft().PlainText != "saved!" {
		t.Error("failed restore must not touch the draft")
	}
}

func TestRestoreCurrentDraftIsNoOp(t *testing.T) {
	s := newTestSession(t, "saved", Deps{})
	if _, err := s.ApplyEdit(6, 6, "!"); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	next, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetCurrentDraft}, nil)
	if err != nil {
		t.Fatalf("restore current: %v", err)
	}
	if next.PlainText != "saved!" {
		t.Errorf("got %q", next.PlainText)
	}
	if !s.Dirty() {
		t.Error("the no-op restore must not change dirtiness")
	}
}

func TestPreviewSnapshotDoesNotBlockEditing(t *testing.T) {
	snaps := &blockingSnapshots{
		release: make(chan struct{}),
		content: paragraphDoc("old version"),
	}
	s := newTestSession(t, "current", Deps{Snapshots: snaps})

	type previewResult struct {
		text string
		err  error
	}
	previewed := make(chan previewResult, 1)
	go func() {
		text, err := s.Preview(context.Background(), RestoreTarget{Kind: TargetNamedSnapshot, SnapshotID: "abc1234"})
		previewed <- previewResult{text, err}
	}()
	time.Sleep(20 * time.Millisecond)

	edited := make(chan struct{})
	go func() {
		if _, err := s.ApplyEdit(8, 8, "!"); err != nil {
			t.Errorf("apply edit: %v", err)
		}
		close(edited)
	}()
	select {
	case <-edited:
	case <-time.After(2 * time.Second):
		t.Fatal("edit blocked behind a snapshot preview")
	}

	close(snaps.release)
	result := <-previewed
	if result.err != nil {
		t.Fatalf("preview: %v", result.err)
	}
	if result.text != "old version" {
		t.Errorf("previewed %q, want %q", result.text, "old version")
	}
}

func TestRestorePointsListsTargetsInOrder(t *testing.T) {
	created := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	snaps := &fakeSnapshots{snapshots: []Snapshot{
		{ID: "abc123", Name: "Chapter one done", CreatedAt: created},
	}}
	confirmer := &fakeConfirmer{answer: true}
	s := newTestSession(t, "saved", Deps{Snapshots: snaps})

	points, err := s.RestorePoints(context.Background())
	if err != nil {
		t.Fatalf("restore points: %v", err)
	}
	kinds := make([]TargetKind, 0, len(points))
	for _, p := range points {
		kinds = append(kinds, p.Target.Kind)
	}
	want := []TargetKind{TargetCurrentDraft, TargetLastPersisted, TargetNamedSnapshot}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("got %v, want %v", kinds, want)
		}
	}

	// A backup slot adds the backup entry after the current draft.
	if _, err := s.ApplyEdit(6, 6, "!"); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	if _, err := s.Restore(context.Background(), RestoreTarget{Kind: TargetLastPersisted}, confirmer); err != nil {
		t.Fatalf("restore: %v", err)
	}
	points, err = s.RestorePoints(context.Background())
	if err != nil {
		t.Fatalf("restore points: %v", err)
	}
	if len(points) != 4 || points[1].Target.Kind != TargetPreviousBackup {
		t.Errorf("expected the backup entry in second place, got %+v", points)
	}
}

func TestAdoptDraftReplacesContentAndMarksDirty(t *testing.T) {
	s := newTestSession(t, "saved", Deps{})
	if err := s.AdoptDraft(paragraphDoc("recovered work")); err != nil {
		t.Fatalf("adopt draft: %v", err)
	}
	if s.Draft().PlainText != "recovered work" {
		t.Errorf("got %q", s.Draft().PlainText)
	}
	if !s.Dirty() {
		t.Error("an adopted draft is unsaved by definition")
	}

	if err := s.AdoptDraft(json.RawMessage(`{"type":"nope"}`)); err == nil {
		t.Fatal("expected a parse error for a malformed recovered draft")
	}
	if s.Draft().PlainText != "recovered work" {
		t.Error("failed adoption must not touch the draft")
	}
}
