package app

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lorekeep/api/internal/editor"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventSendBuffer   = 32
)

// Hub fans session events out to the websocket clients watching each
// document. Every connection gets a buffered send channel drained by its
// own writer goroutine, so a slow or dead client is dropped when its
// buffer fills instead of stalling the broadcast — and with it the edit
// that triggered the broadcast.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[*watcher]bool
	upgrader websocket.Upgrader
}

type watcher struct {
	conn *websocket.Conn
	send chan editor.Event
}

func NewHub() *Hub {
	return &Hub{
		watchers: make(map[string]map[*watcher]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and keeps the connection registered until the
// client goes away. Incoming frames are discarded; the stream is one-way.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, documentID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: upgrade failed for %s: %v", documentID, err)
		return
	}

	c := &watcher{conn: conn, send: make(chan editor.Event, eventSendBuffer)}
	h.mu.Lock()
	if h.watchers[documentID] == nil {
		h.watchers[documentID] = make(map[*watcher]bool)
	}
	h.watchers[documentID][c] = true
	h.mu.Unlock()

	go c.writeLoop()
	defer h.remove(documentID, c)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast queues one event for every watcher of the document. A watcher
// whose buffer is full is dropped on the spot; queueing never blocks.
func (h *Hub) Broadcast(documentID string, event editor.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.watchers[documentID] {
		select {
		case c.send <- event:
		default:
			h.dropLocked(documentID, c)
		}
	}
}

func (h *Hub) remove(documentID string, c *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watchers[documentID]; ok && set[c] {
		h.dropLocked(documentID, c)
	}
}

// dropLocked unregisters the watcher and closes its send channel; the
// writer goroutine exits once the channel drains. Callers hold h.mu, which
// makes Broadcast the only sender and the close race-free.
func (h *Hub) dropLocked(documentID string, c *watcher) {
	set := h.watchers[documentID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.watchers, documentID)
	}
	close(c.send)
	c.conn.Close()
}

func (c *watcher) writeLoop() {
	for event := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := c.conn.WriteJSON(event); err != nil {
			c.conn.Close()
			break
		}
	}
	// Drain until the hub closes the channel so a pending Broadcast's
	// buffered sends are never stranded.
	for range c.send {
	}
}
