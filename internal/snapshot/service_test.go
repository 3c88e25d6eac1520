package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestSnapshotLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := json.RawMessage(`{
		"type":"doc",
		"content":[
			{"type":"heading","attrs":{"level":1},"content":[{"type":"text","text":"Chapter One"}]},
			{"type":"paragraph","content":[{"type":"text","text":"It was a dark and stormy night."}]}
		]
	}`)

	if err := svc.Ensure("doc-1", initial, "Avery"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	updated := json.RawMessage(`{
		"type":"doc",
		"content":[{"type":"paragraph","content":[{"type":"text","text":"Rewritten opening."}]}]
	}`)
	info, err := svc.Record("doc-1", updated, "Before the rewrite", "Avery")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if info.ID == "" {
		t.Fatal("expected a snapshot id")
	}
	if info.Name != "Before the rewrite" {
		t.Fatalf("unexpected snapshot name %q", info.Name)
	}

	list, err := svc.List("doc-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected baseline plus one snapshot, got %d", len(list))
	}
	if list[0].ID != info.ID {
		t.Fatalf("expected newest snapshot first, got %+v", list)
	}

	got, err := svc.Get("doc-1", info.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !strings.Contains(string(got), "Rewritten opening.") {
		t.Fatalf("unexpected snapshot content: %s", got)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	initial := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello"}]}]}`)

	if err := svc.Ensure("doc-1", initial, "Avery"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := svc.Ensure("doc-1", json.RawMessage(`{"type":"doc"}`), "Avery"); err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}

	list, err := svc.List("doc-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected a single baseline commit, got %d", len(list))
	}
}

func TestRecordIdenticalContentStillSnapshots(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	content := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"same"}]}]}`)

	if err := svc.Ensure("doc-1", content, "Avery"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if _, err := svc.Record("doc-1", content, "Checkpoint", "Avery"); err != nil {
		t.Fatalf("Record() with unchanged content error = %v", err)
	}
	list, err := svc.List("doc-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(list))
	}
}

func TestGetRejectsMalformedStoredContent(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	if err := svc.Ensure("doc-1", json.RawMessage(`{"type":"doc"}`), "Avery"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if _, err := svc.Get("doc-1", "doesnotexist"); err == nil {
		t.Fatal("expected an error for an unknown snapshot id")
	}
}

func TestConcurrentRecordsSameDocument(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	if err := svc.Ensure("doc-1", json.RawMessage(`{"type":"doc"}`), "Avery"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			content := json.RawMessage(fmt.Sprintf(
				`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"draft %02d"}]}]}`, idx))
			if _, err := svc.Record("doc-1", content, fmt.Sprintf("Snapshot %02d", idx), "Avery"); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("Record() concurrent error = %v", err)
		}
	}

	list, err := svc.List("doc-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) < writers+1 {
		t.Fatalf("expected at least %d snapshots, got %d", writers+1, len(list))
	}
}
