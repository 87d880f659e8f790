package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/example/talk-gateway/modules/talk"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Inbound event names.
const (
	InLogin        = "login"
	InLogout       = "logout"
	InUpdateStatus = "updateStatus"
	InJoinRoom     = "joinRoom"
	InLeaveRoom    = "leaveRoom"
	InSendMessage  = "sendMessage"
)

// Outbound ack and error event names.
const (
	AckLogin        = "login"
	AckLogout       = "logout"
	AckUpdateStatus = "update_status"
	AckSendMessage  = "send_message"
	EventError      = "error"
)

// Gateway-level error codes.
const (
	CodeBadRequest  = "BAD_REQUEST"
	CodeRateLimited = "RATE_LIMITED"
)

const maxHistoryLimit = 100

// replyTimeout bounds how long an ack waits for room in a full send buffer.
const replyTimeout = 10 * time.Second

// Engine is the talk engine surface the gateway drives.
type Engine interface {
	OnConnect(connID string)
	OnDisconnect(ctx context.Context, connID string)
	Login(ctx context.Context, connID, credential string) (*domain.Identity, error)
	Logout(ctx context.Context, connID, identityID string) error
	UpdateStatus(ctx context.Context, connID, status string) (*domain.Identity, error)
	JoinRoom(ctx context.Context, connID, room string) (talk.JoinAck, error)
	LeaveRoom(ctx context.Context, connID, room string) (talk.LeaveAck, error)
	SendMessage(ctx context.Context, connID, room, payload string) (*domain.Message, error)
	Ping(ctx context.Context) error
	NodeID() string
}

// Handlers contains HTTP and WebSocket handlers.
type Handlers struct {
	engine Engine
	hub    *Hub
	talk   talk.TalkPort
	stats  *Stats
	logger types.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(engine Engine, hub *Hub, port talk.TalkPort, stats *Stats, logger types.Logger) *Handlers {
	return &Handlers{
		engine: engine,
		hub:    hub,
		talk:   port,
		stats:  stats,
		logger: logger,
	}
}

// HandleWebSocket runs the read loop of one connection.
func (h *Handlers) HandleWebSocket(c *websocket.Conn) {
	connID := uuid.New().String()
	client := h.hub.Register(connID, c)
	h.engine.OnConnect(connID)

	defer func() {
		h.hub.Unregister(connID)
		h.engine.OnDisconnect(context.Background(), connID)
	}()

	h.logger.Info("WebSocket connected", "conn", connID)

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", "conn", connID, "error", err)
			}
			break
		}
		h.dispatch(context.Background(), client, msgBytes)
	}

	h.logger.Info("WebSocket disconnected", "conn", connID)
}

// dispatch handles one inbound frame. Every frame gets an ack or an error.
func (h *Handlers) dispatch(ctx context.Context, client *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		h.sendError(ctx, client.ID, "", CodeBadRequest, "invalid frame")
		return
	}

	if !client.limiter.allow() {
		h.sendError(ctx, client.ID, frame.Event, CodeRateLimited, "rate limit exceeded, please slow down")
		return
	}

	var err error
	switch frame.Event {
	case InLogin:
		err = h.handleLogin(ctx, client.ID, frame.Data)
	case InLogout:
		err = h.handleLogout(ctx, client.ID, frame.Data)
	case InUpdateStatus:
		err = h.handleUpdateStatus(ctx, client.ID, frame.Data)
	case InJoinRoom:
		err = h.handleJoinRoom(ctx, client.ID, frame.Data)
	case InLeaveRoom:
		err = h.handleLeaveRoom(ctx, client.ID, frame.Data)
	case InSendMessage:
		err = h.handleSendMessage(ctx, client.ID, frame.Data)
	default:
		h.sendError(ctx, client.ID, frame.Event, CodeBadRequest, "unknown event: "+frame.Event)
		return
	}

	if err != nil {
		if errors.Is(err, talk.ErrConnectionClosed) {
			h.logger.Debug("Event dropped, connection closed", "event", frame.Event, "conn", client.ID)
			return
		}
		var bad *badRequestError
		if errors.As(err, &bad) {
			h.sendError(ctx, client.ID, frame.Event, CodeBadRequest, bad.Error())
			return
		}
		code := talk.ErrorCode(err)
		if code == talk.CodeInternal || code == talk.CodeStoreUnavailable {
			h.logger.Error("Event failed", "event", frame.Event, "conn", client.ID, "error", err)
		}
		h.sendError(ctx, client.ID, frame.Event, code, err.Error())
	}
}

func (h *Handlers) handleLogin(ctx context.Context, connID string, data json.RawMessage) error {
	credential, err := decodeField(data, "token", "identity", "id")
	if err != nil {
		return err
	}
	ident, err := h.engine.Login(ctx, connID, credential)
	if err != nil {
		return err
	}
	return h.reply(ctx, connID, AckLogin, ident)
}

func (h *Handlers) handleLogout(ctx context.Context, connID string, data json.RawMessage) error {
	identityID, err := decodeField(data, "identity", "id")
	if err != nil {
		return err
	}
	if err := h.engine.Logout(ctx, connID, identityID); err != nil {
		return err
	}
	return h.reply(ctx, connID, AckLogout, LogoutAck{ID: identityID})
}

func (h *Handlers) handleUpdateStatus(ctx context.Context, connID string, data json.RawMessage) error {
	status, err := decodeField(data, "status")
	if err != nil {
		return err
	}
	ident, err := h.engine.UpdateStatus(ctx, connID, status)
	if err != nil {
		return err
	}
	ack := StatusAck{Status: status}
	if ident != nil {
		ack.ID = ident.ID
		ack.Status = ident.Status
		ack.Updated = true
	}
	return h.reply(ctx, connID, AckUpdateStatus, ack)
}

func (h *Handlers) handleJoinRoom(ctx context.Context, connID string, data json.RawMessage) error {
	room, err := decodeField(data, "room")
	if err != nil {
		return err
	}
	ack, err := h.engine.JoinRoom(ctx, connID, room)
	if err != nil {
		return err
	}
	return h.reply(ctx, connID, talk.EventJoinRoom, ack)
}

func (h *Handlers) handleLeaveRoom(ctx context.Context, connID string, data json.RawMessage) error {
	room, err := decodeField(data, "room")
	if err != nil {
		return err
	}
	ack, err := h.engine.LeaveRoom(ctx, connID, room)
	if err != nil {
		return err
	}
	return h.reply(ctx, connID, talk.EventLeaveRoom, ack)
}

func (h *Handlers) handleSendMessage(ctx context.Context, connID string, data json.RawMessage) error {
	var req SendMessagePayload
	if err := decodeObject(data, &req); err != nil {
		return err
	}
	msg, err := h.engine.SendMessage(ctx, connID, req.Room, req.Message)
	if err != nil {
		return err
	}
	return h.reply(ctx, connID, AckSendMessage, SendAck{Room: msg.Room, Seq: msg.Seq})
}

// reply queues an ack behind whatever is already buffered for connID, such
// as a room replay, rather than overflowing the buffer.
func (h *Handlers) reply(ctx context.Context, connID, event string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	return h.hub.EmitWait(ctx, connID, event, payload)
}

// sendError reports a failed inbound event to its connection only.
func (h *Handlers) sendError(ctx context.Context, connID, event, code, message string) {
	if err := h.reply(ctx, connID, EventError, ErrorFrame{Event: event, Code: code, Message: message}); err != nil {
		h.logger.Debug("Failed to send error frame", "conn", connID, "error", err)
	}
}

// badRequestError marks malformed event data.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// decodeField reads a string from data, which is either a JSON string or an
// object holding the first present key. Absent data yields "".
func decodeField(data json.RawMessage, keys ...string) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", badRequest("invalid string data")
		}
		return s, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", badRequest("invalid object data")
		}
		for _, key := range keys {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return "", badRequest("field %q must be a string", key)
			}
			return s, nil
		}
		return "", nil
	default:
		return "", badRequest("data must be a string or an object")
	}
}

func decodeObject(data json.RawMessage, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return badRequest("data must be an object")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return badRequest("invalid object data")
	}
	return nil
}

// REST Handlers

// HealthCheck handles health check requests (GET /health).
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	resp := HealthResponse{
		Status: "healthy",
		Details: map[string]any{
			"node":        h.engine.NodeID(),
			"connections": h.hub.ClientCount(),
		},
	}
	if err := h.engine.Ping(c.UserContext()); err != nil {
		resp.Status = "unhealthy"
		resp.Details["store"] = err.Error()
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}

// ListRooms handles room listing requests (GET /api/v1/rooms).
func (h *Handlers) ListRooms(c *fiber.Ctx) error {
	rooms, err := h.talk.Rooms(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(RoomListResponse{
		Node:  rooms.Node,
		Rooms: rooms.Rooms,
		Total: len(rooms.Rooms),
	})
}

// GetRoomHistory handles room history requests (GET /api/v1/rooms/:name/history).
func (h *Handlers) GetRoomHistory(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "bad_request",
			Message: "room name is required",
		})
	}

	limit := c.QueryInt("limit", talk.DefaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages, err := h.talk.History(c.UserContext(), name, limit)
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(HistoryResponse{
		Room:     name,
		Messages: messages,
		Total:    len(messages),
	})
}

// GetStats handles gateway statistics requests (GET /api/v1/stats).
func (h *Handlers) GetStats(c *fiber.Ctx) error {
	snapshot := h.stats.Snapshot()
	snapshot.Node = h.engine.NodeID()
	snapshot.Connections = h.hub.ClientCount()
	return c.JSON(snapshot)
}
