package api

import (
	"time"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/example/talk-gateway/modules/talk"
)

// SendMessagePayload is the data of a sendMessage frame.
type SendMessagePayload struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

// SendAck acknowledges sendMessage.
type SendAck struct {
	Room string `json:"room"`
	Seq  int64  `json:"seq"`
}

// LogoutAck acknowledges logout.
type LogoutAck struct {
	ID string `json:"id"`
}

// StatusAck acknowledges updateStatus. Updated is false when no identity was
// bound to the connection.
type StatusAck struct {
	ID      string `json:"id,omitempty"`
	Status  string `json:"status"`
	Updated bool   `json:"updated"`
}

// ErrorFrame is the data of an error event.
type ErrorFrame struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomListResponse is the API response for listing rooms.
type RoomListResponse struct {
	Node  string          `json:"node"`
	Rooms []talk.RoomInfo `json:"rooms"`
	Total int             `json:"total"`
}

// HistoryResponse is the API response for message history.
type HistoryResponse struct {
	Room     string            `json:"room"`
	Messages []*domain.Message `json:"messages"`
	Total    int               `json:"total"`
}

// StatsResponse is the API response for gateway statistics.
type StatsResponse struct {
	Node           string           `json:"node"`
	Connections    int              `json:"connections"`
	MessagesSent   int64            `json:"messages_sent"`
	LastMessageAt  *time.Time       `json:"last_message_at,omitempty"`
	PresenceEvents map[string]int64 `json:"presence_events"`
}

// ErrorResponse is the API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the API health check response.
type HealthResponse struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}
