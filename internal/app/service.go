package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"lorekeep/api/internal/analysis"
	"lorekeep/api/internal/config"
	"lorekeep/api/internal/draftcache"
	"lorekeep/api/internal/editor"
	"lorekeep/api/internal/search"
	"lorekeep/api/internal/snapshot"
	"lorekeep/api/internal/store"
	"lorekeep/api/internal/util"
)

// defaultContent is what a freshly created document holds: one empty
// paragraph, which projects to the empty string.
const defaultContent = `{"type":"doc","content":[{"type":"paragraph"}]}`

type dataStore interface {
	InsertDocument(ctx context.Context, item store.Document) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	SaveDocument(ctx context.Context, documentID string, content []byte, plainText string) error
	RenameDocument(ctx context.Context, documentID, title string) error
	DeleteDocument(ctx context.Context, documentID string) error
	ListDocuments(ctx context.Context) ([]store.DocumentSummary, error)
	Ping(ctx context.Context) error
}

type snapshotStore interface {
	Ensure(documentID string, content json.RawMessage, author string) error
	Record(documentID string, content json.RawMessage, name, author string) (snapshot.Info, error)
	List(documentID string) ([]snapshot.Info, error)
	Get(documentID, snapshotID string) (json.RawMessage, error)
}

type draftCache interface {
	Put(ctx context.Context, documentID string, entry draftcache.Entry) error
	Get(ctx context.Context, documentID string) (draftcache.Entry, error)
	Delete(ctx context.Context, documentID string) error
}

// Service owns the open editor sessions and wires them to persistence,
// snapshots, the crash-recovery cache, search, and the event hub.
type Service struct {
	cfg       config.Config
	dataStore dataStore
	snapshots snapshotStore
	cache     draftCache
	searchSvc *search.Service
	checker   editor.Checker
	hub       *Hub

	mu   sync.Mutex
	open map[string]*openDocument
}

type openDocument struct {
	session   *editor.Session
	title     string
	saveTimer *time.Timer
}

func New(cfg config.Config, dataStore dataStore, snapshots snapshotStore, cache draftCache, searchSvc *search.Service) *Service {
	s := &Service{
		cfg:       cfg,
		dataStore: dataStore,
		snapshots: snapshots,
		cache:     cache,
		searchSvc: searchSvc,
		hub:       NewHub(),
		open:      make(map[string]*openDocument),
	}
	if strings.TrimSpace(cfg.AnalysisURL) != "" {
		s.checker = analysis.NewClient(cfg.AnalysisURL)
	}
	return s
}

// Bootstrap runs startup work that may fail without blocking the server.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.searchSvc != nil {
		s.searchSvc.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.dataStore.Ping(ctx)
}

func (s *Service) Hub() *Hub {
	return s.hub
}

// Shutdown saves every dirty open document and closes its session.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.CloseDocument(ctx, id); err != nil {
			log.Printf("shutdown: close %s: %v", id, err)
		}
	}
}

func (s *Service) CreateDocument(ctx context.Context, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled"
	}
	documentID := util.NewID("doc")
	item := store.Document{
		ID:      documentID,
		Title:   title,
		Content: json.RawMessage(defaultContent),
	}
	if err := s.dataStore.InsertDocument(ctx, item); err != nil {
		return nil, err
	}
	if err := s.snapshots.Ensure(documentID, item.Content, "lorekeep"); err != nil {
		return nil, fmt.Errorf("init snapshot repo: %w", err)
	}
	if s.searchSvc != nil {
		s.searchSvc.IndexDocument(search.DocumentRecord{ID: documentID, Title: title})
	}
	return map[string]any{"id": documentID, "title": title}, nil
}

func (s *Service) ListDocuments(ctx context.Context) ([]map[string]any, error) {
	items, err := s.dataStore.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"id":        item.ID,
			"title":     item.Title,
			"preview":   item.Preview,
			"updatedAt": item.UpdatedAt,
		})
	}
	return out, nil
}

// GetDocument returns metadata plus the current content: the live draft if
// the document is open, otherwise the persisted row.
func (s *Service) GetDocument(ctx context.Context, documentID string) (map[string]any, error) {
	s.mu.Lock()
	od, open := s.open[documentID]
	s.mu.Unlock()
	if open {
		draft := od.session.Draft()
		return map[string]any{
			"id":        documentID,
			"title":     od.title,
			"content":   draft.Serialized,
			"plainText": draft.PlainText,
			"dirty":     od.session.Dirty(),
			"open":      true,
		}, nil
	}

	doc, err := s.dataStore.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        doc.ID,
		"title":     doc.Title,
		"content":   doc.Content,
		"plainText": doc.PlainText,
		"dirty":     false,
		"open":      false,
		"updatedAt": doc.UpdatedAt,
	}, nil
}

func (s *Service) RenameDocument(ctx context.Context, documentID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if err := s.dataStore.RenameDocument(ctx, documentID, title); err != nil {
		return err
	}
	s.mu.Lock()
	if od, ok := s.open[documentID]; ok {
		od.title = title
	}
	s.mu.Unlock()
	if s.searchSvc != nil {
		doc, err := s.dataStore.GetDocument(ctx, documentID)
		if err == nil {
			s.searchSvc.IndexDocument(search.DocumentRecord{ID: documentID, Title: title, Text: doc.PlainText})
		}
	}
	return nil
}

func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	if od, ok := s.open[documentID]; ok {
		if od.saveTimer != nil {
			od.saveTimer.Stop()
		}
		od.session.Close()
		delete(s.open, documentID)
	}
	s.mu.Unlock()

	if err := s.dataStore.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, documentID); err != nil {
			log.Printf("delete %s: clear draft cache: %v", documentID, err)
		}
	}
	if s.searchSvc != nil {
		s.searchSvc.DeleteDocument(documentID)
	}
	return nil
}

// OpenResult is the editor state handed to a client opening a document.
type OpenResult struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	Content         json.RawMessage     `json:"content"`
	PlainText       string              `json:"plainText"`
	Dirty           bool                `json:"dirty"`
	RecoveredDraft  bool                `json:"recoveredDraft"`
	AnalysisEnabled bool                `json:"analysisEnabled"`
	Annotations     []editor.Annotation `json:"annotations"`
}

// OpenDocument loads the persisted document into an editor session. If a
// crash-recovery draft newer than the last save exists, it is adopted and
// reported so the UI can tell the user.
func (s *Service) OpenDocument(ctx context.Context, documentID string) (OpenResult, error) {
	s.mu.Lock()
	if od, ok := s.open[documentID]; ok {
		s.mu.Unlock()
		return s.openResult(od, false), nil
	}
	s.mu.Unlock()

	doc, err := s.dataStore.GetDocument(ctx, documentID)
	if err != nil {
		return OpenResult{}, err
	}

	sess, err := editor.NewSession(documentID, doc.Content, editor.Deps{
		Checker:       s.checker,
		CheckOptions:  analysis.Options{Language: s.cfg.AnalysisLanguage, Mode: s.cfg.AnalysisMode},
		DebounceDelay: s.cfg.AnalysisDebounce,
		Snapshots:     snapshotSource{svc: s.snapshots},
		Notify: func(ev editor.Event) {
			s.hub.Broadcast(documentID, ev)
		},
		OnDirty: func() {
			s.scheduleAutosave(documentID)
		},
	})
	if err != nil {
		return OpenResult{}, domainError(http.StatusUnprocessableEntity, "MALFORMED_DOCUMENT", err.Error(), nil)
	}

	recovered := false
	if s.cache != nil {
		entry, cacheErr := s.cache.Get(ctx, documentID)
		switch {
		case cacheErr == nil && entry.SavedAt.After(doc.UpdatedAt):
			if adoptErr := sess.AdoptDraft(entry.Content); adoptErr != nil {
				log.Printf("open %s: cached draft unusable, discarding: %v", documentID, adoptErr)
				_ = s.cache.Delete(ctx, documentID)
			} else {
				recovered = true
			}
		case cacheErr == nil:
			// The cached draft predates the last save; it is stale.
			_ = s.cache.Delete(ctx, documentID)
		case !errors.Is(cacheErr, draftcache.ErrNotFound):
			log.Printf("open %s: draft cache unavailable: %v", documentID, cacheErr)
		}
	}

	od := &openDocument{session: sess, title: doc.Title}
	s.mu.Lock()
	if existing, ok := s.open[documentID]; ok {
		// Another open raced us; keep the first session.
		s.mu.Unlock()
		sess.Close()
		return s.openResult(existing, false), nil
	}
	s.open[documentID] = od
	s.mu.Unlock()

	if recovered {
		s.scheduleAutosave(documentID)
	}
	return s.openResult(od, recovered), nil
}

func (s *Service) openResult(od *openDocument, recovered bool) OpenResult {
	draft := od.session.Draft()
	return OpenResult{
		ID:              od.session.DocumentID(),
		Title:           od.title,
		Content:         draft.Serialized,
		PlainText:       draft.PlainText,
		Dirty:           od.session.Dirty(),
		RecoveredDraft:  recovered,
		AnalysisEnabled: od.session.AnalysisEnabled(),
		Annotations:     od.session.Annotations(),
	}
}

// CloseDocument saves any unsaved work and tears the session down.
func (s *Service) CloseDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	od, ok := s.open[documentID]
	if ok {
		if od.saveTimer != nil {
			od.saveTimer.Stop()
		}
		delete(s.open, documentID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if od.session.Dirty() {
		if err := s.persist(ctx, od); err != nil {
			// Keep the cached draft so the work survives the failed save.
			return err
		}
	}
	od.session.Close()
	return nil
}

func (s *Service) ApplyEdit(ctx context.Context, documentID string, from, to int, text string) (map[string]any, error) {
	od, err := s.openedDocument(documentID)
	if err != nil {
		return nil, err
	}
	draft, err := od.session.ApplyEdit(from, to, text)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_EDIT", err.Error(), nil)
	}
	s.mirrorDraft(ctx, documentID, od.session)
	return draftPayload(draft, od.session), nil
}

func (s *Service) Annotations(documentID string) ([]editor.Annotation, error) {
	od, err := s.openedDocument(documentID)
	if err != nil {
		return nil, err
	}
	return od.session.Annotations(), nil
}

func (s *Service) AcceptSuggestion(ctx context.Context, documentID, annotationID, value string) (map[string]any, error) {
	od, err := s.openedDocument(documentID)
	if err != nil {
		return nil, err
	}
	draft, err := od.session.AcceptSuggestion(annotationID, value)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "ACCEPT_FAILED", err.Error(), nil)
	}
	s.mirrorDraft(ctx, documentID, od.session)
	return draftPayload(draft, od.session), nil
}

func (s *Service) DismissAnnotation(documentID, annotationID string) error {
	od, err := s.openedDocument(documentID)
	if err != nil {
		return err
	}
	if !od.session.Dismiss(annotationID) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "annotation not found", nil)
	}
	return nil
}

func (s *Service) SetAnalysisEnabled(documentID string, enabled bool) error {
	od, err := s.openedDocument(documentID)
	if err != nil {
		return err
	}
	if enabled && s.checker == nil {
		return domainError(http.StatusServiceUnavailable, "ANALYSIS_UNAVAILABLE", "no analysis service configured", nil)
	}
	od.session.SetAnalysisEnabled(enabled)
	return nil
}

// SaveDocument persists the current draft immediately. Unlike autosave, an
// explicit save also lands a commit in the snapshot history.
func (s *Service) SaveDocument(ctx context.Context, documentID string) (map[string]any, error) {
	od, err := s.openedDocument(documentID)
	if err != nil {
		return nil, err
	}
	wasDirty := od.session.Dirty()
	if err := s.persist(ctx, od); err != nil {
		return nil, err
	}
	if wasDirty {
		draft := od.session.Draft()
		if _, err := s.snapshots.Record(documentID, draft.Serialized, "Manual save", "lorekeep"); err != nil {
			log.Printf("save %s: record snapshot: %v", documentID, err)
		}
	}
	return map[string]any{"ok": true, "dirty": od.session.Dirty()}, nil
}

func (s *Service) RestorePoints(ctx context.Context, documentID string) ([]editor.RestorePoint, error) {
	od, err := s.openedDocument(documentID)
	if err != nil {
		return nil, err
	}
	return od.session.RestorePoints(ctx)
}

func (s *Service) PreviewRestore(ctx context.Context, documentID string, target editor.RestoreTarget) (map[string]any, error) {
	od, err := s.openedDocument(documentID)
	if err != nil {
		return nil, err
	}
	text, err := od.session.Preview(ctx, target)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "PREVIEW_FAILED", err.Error(), nil)
	}
	return map[string]any{"target": target, "plainText": text}, nil
}

// Restore replaces the draft with the selected restore point. A restore
// that would discard unsaved changes needs confirmed=true; without it the
// caller gets CONFIRM_REQUIRED and is expected to ask the user and retry.
func (s *Service) Restore(ctx context.Context, documentID string, target editor.RestoreTarget, confirmed bool) (map[string]any, error) {
	od, err := s.openedDocument(documentID)
	if err != nil {
		return nil, err
	}
	draft, err := od.session.Restore(ctx, target, staticConfirmer{ok: confirmed})
	if err != nil {
		switch {
		case errors.Is(err, editor.ErrRestoreDeclined):
			return nil, domainError(http.StatusConflict, "CONFIRM_REQUIRED", "restoring will discard unsaved changes", map[string]any{"target": target})
		case errors.Is(err, editor.ErrRestoreInProgress):
			return nil, domainError(http.StatusConflict, "RESTORE_IN_PROGRESS", "a restore is already running", nil)
		case errors.Is(err, editor.ErrNoBackup):
			return nil, domainError(http.StatusNotFound, "NO_BACKUP", "no backup draft exists", nil)
		}
		return nil, domainError(http.StatusUnprocessableEntity, "RESTORE_FAILED", err.Error(), nil)
	}
	s.mirrorDraft(ctx, documentID, od.session)
	return draftPayload(draft, od.session), nil
}

func (s *Service) CreateSnapshot(ctx context.Context, documentID, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	od, err := s.openedDocument(documentID)
	if err != nil {
		return nil, err
	}
	draft := od.session.Draft()
	info, err := s.snapshots.Record(documentID, draft.Serialized, name, "lorekeep")
	if err != nil {
		return nil, fmt.Errorf("record snapshot: %w", err)
	}
	return map[string]any{"id": info.ID, "name": info.Name, "createdAt": info.CreatedAt}, nil
}

func (s *Service) ListSnapshots(ctx context.Context, documentID string) ([]map[string]any, error) {
	if _, err := s.dataStore.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	infos, err := s.snapshots.List(documentID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]any{"id": info.ID, "name": info.Name, "createdAt": info.CreatedAt})
	}
	return out, nil
}

func (s *Service) Search(ctx context.Context, q string, limit, offset int) (search.Response, error) {
	if s.searchSvc == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.searchSvc.Search(search.Query{Text: q, Limit: limit, Offset: offset}), nil
}

func (s *Service) openedDocument(documentID string) (*openDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	od, ok := s.open[documentID]
	if !ok {
		return nil, domainError(http.StatusConflict, "DOCUMENT_NOT_OPEN", "document is not open", nil)
	}
	return od, nil
}

// scheduleAutosave restarts the idle timer; the save fires once edits
// pause for the configured window.
func (s *Service) scheduleAutosave(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	od, ok := s.open[documentID]
	if !ok {
		return
	}
	if od.saveTimer != nil {
		od.saveTimer.Stop()
	}
	od.saveTimer = time.AfterFunc(s.cfg.AutosaveIdle, func() {
		s.autosave(documentID)
	})
}

func (s *Service) autosave(documentID string) {
	s.mu.Lock()
	od, ok := s.open[documentID]
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.persist(ctx, od); err != nil {
		log.Printf("autosave %s: %v", documentID, err)
	}
}

// persist writes the draft captured at call time. A save of a superseded
// revision still lands (last write wins) but leaves the session dirty, so
// the next idle window saves again.
func (s *Service) persist(ctx context.Context, od *openDocument) error {
	rev, draft, dirty := od.session.SavePayload()
	if !dirty {
		return nil
	}
	documentID := od.session.DocumentID()
	if err := s.dataStore.SaveDocument(ctx, documentID, draft.Serialized, draft.PlainText); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	od.session.MarkSaved(rev, draft)
	if s.cache != nil && !od.session.Dirty() {
		if err := s.cache.Delete(ctx, documentID); err != nil {
			log.Printf("save %s: clear draft cache: %v", documentID, err)
		}
	}
	if s.searchSvc != nil {
		s.searchSvc.IndexDocument(search.DocumentRecord{ID: documentID, Title: od.title, Text: draft.PlainText})
	}
	return nil
}

// mirrorDraft pushes the current dirty draft into the crash-recovery
// cache. Best effort: a cache outage must not block editing.
func (s *Service) mirrorDraft(ctx context.Context, documentID string, sess *editor.Session) {
	if s.cache == nil {
		return
	}
	rev, draft, dirty := sess.SavePayload()
	if !dirty {
		return
	}
	if err := s.cache.Put(ctx, documentID, draftcache.Entry{
		Content:  draft.Serialized,
		Revision: rev,
		SavedAt:  time.Now(),
	}); err != nil {
		log.Printf("edit %s: mirror draft: %v", documentID, err)
	}
}

func draftPayload(draft editor.Draft, sess *editor.Session) map[string]any {
	return map[string]any{
		"content":     draft.Serialized,
		"plainText":   draft.PlainText,
		"dirty":       sess.Dirty(),
		"annotations": sess.Annotations(),
	}
}

// snapshotSource adapts the snapshot service to the editor's view of it.
type snapshotSource struct {
	svc snapshotStore
}

func (s snapshotSource) List(ctx context.Context, documentID string) ([]editor.Snapshot, error) {
	infos, err := s.svc.List(documentID)
	if err != nil {
		return nil, err
	}
	out := make([]editor.Snapshot, 0, len(infos))
	for _, info := range infos {
		out = append(out, editor.Snapshot{ID: info.ID, Name: info.Name, CreatedAt: info.CreatedAt})
	}
	return out, nil
}

func (s snapshotSource) Get(ctx context.Context, documentID, snapshotID string) (json.RawMessage, error) {
	return s.svc.Get(documentID, snapshotID)
}

// staticConfirmer answers the session's confirmation prompt with the
// confirmed flag the HTTP client sent.
type staticConfirmer struct {
	ok bool
}

func (c staticConfirmer) Confirm(_ context.Context, _ editor.ConfirmRequest) (bool, error) {
	return c.ok, nil
}
