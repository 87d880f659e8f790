package talk

import (
	"context"
	"errors"
)

// ErrConnectionClosed is returned by EmitWait when the connection is gone.
var ErrConnectionClosed = errors.New("connection closed")

// Outbound event names.
const (
	EventClientInfo     = "client_info"
	EventUpdateInfo     = "update_info"
	EventReceiveMessage = "receive_message"
	EventMessages       = "messages"
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
)

// Transport delivers events to connections owned by this process. Emit must
// not block on network I/O; it is called while a room is locked.
type Transport interface {
	// Emit sends an event to one local connection. Unknown ids are ignored.
	Emit(connID, event string, payload any) error
	// EmitWait sends an event to one local connection, waiting for the
	// connection to take it until ctx is done. It returns ErrConnectionClosed
	// for unknown or closed connections.
	EmitWait(ctx context.Context, connID, event string, payload any) error
	// Broadcast sends an event to every local connection.
	Broadcast(event string, payload any)
}

// Delivery is the body of receive_message and messages events.
type Delivery struct {
	Room     string `json:"room"`
	Message  string `json:"message"`
	Sender   string `json:"sender"`
	Identity string `json:"identity,omitempty"`
	Seq      int64  `json:"seq"`
	SentAt   string `json:"sent_at"`
}

// JoinAck is the body of join_room.
type JoinAck struct {
	Room    string `json:"room"`
	History int    `json:"history"`
}

// LeaveAck is the body of leave_room.
type LeaveAck struct {
	Room string `json:"room"`
}
