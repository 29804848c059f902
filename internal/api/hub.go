// Package api is the collaborator-facing surface of the engine: a
// WebSocket hub that fans engine events out to connected UI clients and
// dispatches their commands back into the services.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// CommandHandler handles one inbound command from a UI client.
type CommandHandler func(payload json.RawMessage) (interface{}, error)

type Hub struct {
	wsMu      sync.Mutex
	wsClients map[*websocket.Conn]bool

	mu       sync.RWMutex
	handlers map[string]CommandHandler
	subs     []func(event string, payload interface{})
}

func NewHub() *Hub {
	return &Hub{
		wsClients: make(map[*websocket.Conn]bool),
		handlers:  make(map[string]CommandHandler),
	}
}

// Handle registers a command handler, e.g. "initiate-pairing".
func (h *Hub) Handle(cmd string, fn CommandHandler) {
	h.mu.Lock()
	h.handlers[cmd] = fn
	h.mu.Unlock()
}

// Subscribe registers an in-process event listener alongside the WS clients.
func (h *Hub) Subscribe(fn func(event string, payload interface{})) {
	h.mu.Lock()
	h.subs = append(h.subs, fn)
	h.mu.Unlock()
}

// Broadcast sends an event to every subscriber and WebSocket client.
func (h *Hub) Broadcast(event string, payload interface{}) {
	h.mu.RLock()
	subs := h.subs
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(event, payload)
	}

	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	msg := map[string]interface{}{"type": event, "payload": payload}
	for conn := range h.wsClients {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			delete(h.wsClients, conn)
		}
	}
}

type wsCommand struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsResult struct {
	Type    string      `json:"type"`
	Seq     int64       `json:"seq,omitempty"`
	Command string      `json:"command"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ServeWS upgrades the connection and runs the command read pump.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.wsMu.Lock()
	h.wsClients[conn] = true
	h.wsMu.Unlock()

	go h.readPump(conn)
}

func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() {
		h.wsMu.Lock()
		delete(h.wsClients, conn)
		h.wsMu.Unlock()
		conn.Close()
	}()

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}

		h.mu.RLock()
		fn, ok := h.handlers[cmd.Type]
		h.mu.RUnlock()
		if !ok {
			log.Printf("[API] Unknown command: %s", cmd.Type)
			h.writeTo(conn, wsResult{Type: "result", Seq: cmd.Seq, Command: cmd.Type, Error: "unknown command"})
			continue
		}

		data, err := fn(cmd.Payload)
		res := wsResult{Type: "result", Seq: cmd.Seq, Command: cmd.Type, Data: data}
		if err != nil {
			res.Error = err.Error()
		}
		h.writeTo(conn, res)
	}
}

func (h *Hub) writeTo(conn *websocket.Conn, v interface{}) {
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	if _, ok := h.wsClients[conn]; !ok {
		return
	}
	if err := conn.WriteJSON(v); err != nil {
		conn.Close()
		delete(h.wsClients, conn)
	}
}
