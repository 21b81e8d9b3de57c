// Package hub provides connection management for WebSocket watchers.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents a single WebSocket connection. InstanceID is
// the connection's filter: notifications for other instances are
// skipped, and an empty filter receives everything.
type Connection struct {
	ID         string
	InstanceID string
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *Hub
	mu         sync.Mutex
}

// Hub manages all WebSocket connections.
type Hub struct {
	connections map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *instanceMessage

	quitOnce sync.Once
	quit     chan struct{}
	done     chan struct{}

	mu sync.RWMutex
}

type instanceMessage struct {
	instanceID string
	data       []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *instanceMessage, 256),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			slog.Debug("watcher connected", "connection", conn.ID, "instance", conn.InstanceID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				close(conn.Send)
			}
			h.mu.Unlock()
			slog.Debug("watcher disconnected", "connection", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, conn := range h.connections {
				if conn.Instance() != "" && msg.instanceID != "" && conn.Instance() != msg.instanceID {
					continue
				}
				select {
				case conn.Send <- msg.data:
				default:
					// Buffer full, drop the connection.
					slog.Warn("watcher buffer full, closing", "connection", conn.ID)
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()

		case <-h.quit:
			h.mu.Lock()
			for id, conn := range h.connections {
				delete(h.connections, id)
				close(conn.Send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and closes all connection send channels.
func (h *Hub) Stop() {
	h.quitOnce.Do(func() { close(h.quit) })
	<-h.done
}

// NewConnection creates a new connection bound to the hub.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   "conn_" + uuid.New().String()[:8],
		Conn: ws,
		Send: make(chan []byte, 256),
		hub:  h,
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.quit:
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.quit:
	}
}

// BindInstance changes the connection's instance filter.
func (h *Hub) BindInstance(conn *Connection, instanceID string) {
	conn.mu.Lock()
	conn.InstanceID = instanceID
	conn.mu.Unlock()
}

// Instance returns the connection's current instance filter.
func (c *Connection) Instance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.InstanceID
}

// Broadcast sends data to every connection watching instanceID. An
// empty instanceID reaches all connections.
func (h *Hub) Broadcast(instanceID string, data []byte) {
	select {
	case h.broadcast <- &instanceMessage{instanceID: instanceID, data: data}:
	case <-h.quit:
	}
}

// BroadcastJSON marshals v and broadcasts it.
func (h *Hub) BroadcastJSON(instanceID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(instanceID, data)
	return nil
}

// TryBroadcast is a non-blocking Broadcast for callers on a hot path.
// It reports whether the message was accepted.
func (h *Hub) TryBroadcast(instanceID string, data []byte) bool {
	select {
	case h.broadcast <- &instanceMessage{instanceID: instanceID, data: data}:
		return true
	default:
		return false
	}
}

// SendToConnection sends data to a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection marshals v and sends it to one connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasWatchers reports whether any connection would receive broadcasts
// for instanceID.
func (h *Hub) HasWatchers(instanceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.connections {
		if f := conn.Instance(); f == "" || f == instanceID {
			return true
		}
	}
	return false
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
