// Package observer fans out Subscription Engine phase transitions over
// WebSocket for debugging and operational visibility: every EventRecord
// phase change published through an observer.Hub is broadcast as JSON to
// every connected client.
//
// Grounded on the teacher's homeassistant.WSClient's shape — a
// mutex-guarded connection plus a buffered event channel — mirrored from
// client to server: each connection here gets its own buffered send
// channel and a dedicated writer goroutine instead of a shared
// connection-write mutex, which is the conventional gorilla/websocket
// server-side pattern (one writer per connection; reads/writes on a
// websocket.Conn are not safe for concurrent use from multiple
// goroutines).
package observer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/foxhollow/yangd/pkg/log"
	"github.com/foxhollow/yangd/pkg/types"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer  = 64
	writeWait   = 5 * time.Second
	pongWait    = 30 * time.Second
	pingPeriod  = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Transition is one observable phase change, emitted to every connected
// client as JSON.
type Transition struct {
	EventID    uint64    `json:"event_id"`
	GroupID    string    `json:"group_id"`
	SubID      string    `json:"sub_id"`
	Phase      string    `json:"phase"`
	State      string    `json:"state"`
	Originator string    `json:"originator"`
	Timestamp  time.Time `json:"timestamp"`
}

// Hub tracks connected observers and broadcasts Transitions to all of
// them.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Transition
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades r to a WebSocket connection and registers it as an
// observer until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(fmt.Sprintf("observer: upgrade failed: %v", err))
		return
	}

	c := &client{conn: conn, send: make(chan Transition, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards inbound traffic and keepalive pongs; it exists to
// detect the connection closing and to honor the read deadline.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case t, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(t); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast delivers t to every connected client, dropping it for any
// client whose send buffer is full rather than blocking the publisher.
// With no client connected, t is still worth a debug log line.
func (h *Hub) Broadcast(t Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		log.Debug("observer: " + MarshalForLog(t))
		return
	}
	for c := range h.clients {
		select {
		case c.send <- t:
		default:
			log.Debug("observer: dropping transition for slow client")
		}
	}
}

// FromRecord builds a Transition from an EventRecord.
func FromRecord(rec *types.EventRecord) Transition {
	return Transition{
		EventID:    rec.EventID,
		GroupID:    rec.GroupID,
		SubID:      rec.SubID,
		Phase:      string(rec.Phase),
		State:      string(rec.State),
		Originator: string(rec.Originator),
		Timestamp:  time.Now(),
	}
}

// MarshalForLog renders t as a single JSON line, used when no observers
// are connected but the transition is still worth a debug log line.
func MarshalForLog(t Transition) string {
	b, err := json.Marshal(t)
	if err != nil {
		return "{}"
	}
	return string(b)
}
