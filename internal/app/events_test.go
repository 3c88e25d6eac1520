package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lorekeep/api/internal/editor"
)

// dialHub connects a websocket client to a hub serving one document and
// waits for the registration to land.
func dialHub(t *testing.T, hub *Hub, documentID string) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, documentID)
	}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		registered := len(hub.watchers[documentID]) > 0
		hub.mu.Unlock()
		if registered {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastDeliversToReadingClient(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "doc-1")

	hub.Broadcast("doc-1", editor.Event{Type: "saved", Data: map[string]any{"rev": 3}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got editor.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != "saved" {
		t.Errorf("event type %q, want saved", got.Type)
	}
}

func TestBroadcastDropsClientThatStoppedReading(t *testing.T) {
	hub := NewHub()
	dialHub(t, hub, "doc-1") // connected but never reads

	payload := strings.Repeat("x", 256<<10)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Broadcast("doc-1", editor.Event{Type: "draft", Data: payload})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast stalled behind a client that stopped reading")
	}

	hub.mu.Lock()
	remaining := len(hub.watchers["doc-1"])
	hub.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("stalled watcher still registered (%d left)", remaining)
	}
}

func TestBroadcastSkipsOtherDocuments(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "doc-1")

	hub.Broadcast("doc-2", editor.Event{Type: "draft"})
	hub.Broadcast("doc-1", editor.Event{Type: "annotations"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got editor.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != "annotations" {
		t.Errorf("watcher of doc-1 received %q", got.Type)
	}
}
