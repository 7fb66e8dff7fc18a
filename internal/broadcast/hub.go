// Package broadcast pushes upload progress and pipeline notifications to
// host UI clients over websockets.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/recorder/internal/guard"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/uploads"
)

var log = logging.L("broadcast")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

const (
	TypeTasks        = "tasks"
	TypeNotification = "notification"
)

// Message is the websocket payload. Every message carries the current task
// list so a client that missed one is never out of date.
type Message struct {
	Type         string         `json:"type"`
	Tasks        []uploads.Task `json:"tasks"`
	UnloadGuard  bool           `json:"unloadGuard"`
	Notification string         `json:"notification,omitempty"`
}

// Source publishes task list snapshots.
type Source interface {
	Subscribe() (<-chan []uploads.Task, func())
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans task snapshots out to every connected client.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  []uploads.Task
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The control surface only listens on the host.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Run broadcasts every snapshot from src until ctx ends.
func (h *Hub) Run(ctx context.Context, src Source) {
	snaps, unsubscribe := src.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case tasks := <-snaps:
			h.mu.Lock()
			h.latest = tasks
			h.mu.Unlock()
			h.broadcast(tasksMessage(tasks))
		}
	}
}

func tasksMessage(tasks []uploads.Task) Message {
	if tasks == nil {
		tasks = []uploads.Task{}
	}
	return Message{Type: TypeTasks, Tasks: tasks, UnloadGuard: guard.CountUploading(tasks) > 0}
}

// Notify sends a host-visible message to every client.
func (h *Hub) Notify(message string) {
	log.Info("notification", "message", message)
	h.mu.RLock()
	msg := tasksMessage(h.latest)
	h.mu.RUnlock()
	msg.Type = TypeNotification
	msg.Notification = message
	h.broadcast(msg)
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("marshal broadcast", logging.KeyError, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn("dropping slow websocket client", "remote", c.conn.RemoteAddr().String())
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// ServeHTTP upgrades the request and streams messages, starting with the
// current task list.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	initial, err := json.Marshal(tasksMessage(h.latest))
	if err == nil {
		c.send <- initial
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client input and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			c.close()
		}
		h.mu.Unlock()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", logging.KeyError, err)
			}
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
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("websocket write error", logging.KeyError, err)
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
