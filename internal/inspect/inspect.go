// Package inspect is an optional observability event stream: the
// diagnostic lines of whatever component is given a Hub as its logger
// (cmd/umka gives it the heap's GC cycle lines) are broadcast over a
// websocket to any connected client. It is diagnostics, not a debugger
// protocol — it carries no commands back into the VM. Built directly
// on github.com/gorilla/websocket.
package inspect

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is one observability record, serialized as JSON text frames.
type Event struct {
	Kind    string `json:"kind"` // free-form tag; Logf always sends "diag"
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub accepts websocket clients and fans every published Event out to
// all of them, dropping a client on the first write error the way
// WebSocketBroadcast marks a connection closed rather than retrying.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*websocket.Conn
	nextID  int
}

// NewHub creates an empty hub ready to accept connections.
func NewHub() *Hub {
	return &Hub{clients: map[string]*websocket.Conn{}}
}

// ServeHTTP upgrades the request to a websocket and registers the
// resulting connection as a broadcast target until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.nextID++
	id := "client-" + strconv.Itoa(h.nextID)
	h.clients[id] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast publishes one event to every connected client.
func (h *Hub) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(h.clients))
	for id, c := range h.clients {
		conns[id] = c
	}
	h.mu.RUnlock()

	for id, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.mu.Lock()
			delete(h.clients, id)
			h.mu.Unlock()
			c.Close()
		}
	}
}

// Logf satisfies heap.Logger and jit.Logger, broadcasting every
// diagnostic line as an event so a connected client sees GC/JIT activity
// live instead of only through stderr.
func (h *Hub) Logf(format string, args ...interface{}) {
	h.Broadcast(Event{Kind: "diag", Message: fmt.Sprintf(format, args...)})
}
