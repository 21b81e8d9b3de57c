// Package ws provides the WebSocket push endpoint watcher clients
// subscribe to.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/rchen9527/agentdeck/internal/domain"
	"github.com/rchen9527/agentdeck/internal/engine"
	"github.com/rchen9527/agentdeck/internal/hub"
	"github.com/rchen9527/agentdeck/internal/protocol"
)

const (
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 32 * 1024
	replyTimeout   = 30 * time.Second
)

// Server handles WebSocket connections.
type Server struct {
	eng      *engine.Engine
	hub      *hub.Hub
	upgrader websocket.Upgrader
	dropped  atomic.Int64
}

// NewServer creates a new WebSocket server.
func NewServer(eng *engine.Engine, h *hub.Hub) *Server {
	return &Server{
		eng: eng,
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The daemon serves local operator tooling.
				return true
			},
		},
	}
}

// Publish forwards one engine notification to subscribed watchers.
// Registered with engine.Subscribe, so it must not block the sync path;
// overflow is counted and dropped.
func (s *Server) Publish(n engine.Notification) {
	msg := protocol.NotificationMessage{
		BaseMessage: protocol.BaseMessage{
			Type:       protocol.TypeNotification,
			Ts:         n.Ts,
			InstanceID: n.InstanceID,
		},
		Scope:     n.Scope,
		SessionID: n.SessionID,
		MessageID: n.MessageID,
		Detail:    n.Detail,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("failed to encode notification", "error", err)
		return
	}
	if !s.hub.TryBroadcast(n.InstanceID, data) {
		s.dropped.Add(1)
	}
}

// Dropped reports how many notifications overflowed the broadcast
// queue.
func (s *Server) Dropped() int64 {
	return s.dropped.Load()
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(maxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "connection", conn.ID, "error", err)
			}
			break
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("websocket write failed", "connection", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var baseMsg protocol.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch baseMsg.Type {
	case protocol.TypeHello:
		s.handleHello(conn, data)
	case protocol.TypeSubscribe:
		s.handleSubscribe(conn, data)
	case protocol.TypeReply:
		s.handleReply(conn, data)
	default:
		s.sendError(conn, baseMsg.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
	}
}

// handleHello binds the connection's instance filter and acknowledges.
func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}
	if !s.bindFilter(conn, msg.RequestID, msg.InstanceID) {
		return
	}
	s.sendAck(conn, msg.RequestID, msg.InstanceID)
	slog.Debug("watcher handshake completed", "connection", conn.ID, "instance", msg.InstanceID)
}

// handleSubscribe rebinds an established connection to a different
// instance filter.
func (s *Server) handleSubscribe(conn *hub.Connection, data []byte) {
	var msg protocol.SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid subscribe message")
		return
	}
	if !s.bindFilter(conn, msg.RequestID, msg.InstanceID) {
		return
	}
	s.sendAck(conn, msg.RequestID, msg.InstanceID)
}

func (s *Server) bindFilter(conn *hub.Connection, requestID, instanceID string) bool {
	if instanceID != "" {
		if _, ok := s.eng.Instance(instanceID); !ok {
			s.sendError(conn, requestID, protocol.ErrorCodeUnknownInstance, "unknown instance: "+instanceID)
			return false
		}
	}
	s.hub.BindInstance(conn, instanceID)
	return true
}

// handleReply answers a queued interruption on behalf of the client.
func (s *Server) handleReply(conn *hub.Connection, data []byte) {
	var msg protocol.ReplyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid reply message")
		return
	}

	instanceID := msg.InstanceID
	if instanceID == "" {
		instanceID = conn.Instance()
	}
	inst, ok := s.eng.Instance(instanceID)
	if !ok {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeUnknownInstance, "unknown instance: "+instanceID)
		return
	}
	if msg.ID == "" {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeInvalidMessage, "id is required")
		return
	}

	// Answer over RPC without blocking the read pump.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()

		var err error
		switch msg.Kind {
		case protocol.ReplyKindPermission:
			reply := domain.PermissionReply(msg.Response)
			switch reply {
			case domain.PermissionOnce, domain.PermissionAlways, domain.PermissionReject:
				err = inst.ReplyPermission(ctx, msg.ID, reply)
			default:
				s.sendError(conn, msg.RequestID, protocol.ErrorCodeInvalidMessage, "unknown permission response: "+msg.Response)
				return
			}
		case protocol.ReplyKindQuestion:
			if msg.Response == string(domain.PermissionReject) {
				err = inst.RejectQuestion(ctx, msg.ID)
			} else {
				err = inst.ReplyQuestion(ctx, msg.ID, msg.Answers)
			}
		default:
			s.sendError(conn, msg.RequestID, protocol.ErrorCodeInvalidMessage, "unknown reply kind: "+msg.Kind)
			return
		}
		if err != nil {
			slog.Warn("reply over websocket failed", "connection", conn.ID, "kind", msg.Kind, "id", msg.ID, "error", err)
			s.sendError(conn, msg.RequestID, protocol.ErrorCodeReplyFailed, err.Error())
		}
	}()
}

func (s *Server) sendAck(conn *hub.Connection, requestID, instanceID string) {
	ack := protocol.HelloAckMessage{
		BaseMessage: protocol.BaseMessage{
			Type:       protocol.TypeHelloAck,
			Ts:         time.Now().UnixMilli(),
			RequestID:  requestID,
			InstanceID: instanceID,
		},
		ConnectionID: conn.ID,
	}
	s.hub.SendJSONToConnection(conn, ack)
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeError,
			Ts:        time.Now().UnixMilli(),
			RequestID: requestID,
		},
		Code:    code,
		Message: message,
	}
	s.hub.SendJSONToConnection(conn, errMsg)
}
