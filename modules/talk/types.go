package talk

import domain "github.com/example/talk-gateway/domain/talk"

// Service names registered by the talk module.
const (
	ServiceHistory = "history"
	ServiceRooms   = "rooms"
)

// DefaultHistoryLimit is used when a history request names no limit.
const DefaultHistoryLimit = 50

// HistoryRequest is the request for the history service.
type HistoryRequest struct {
	Room  string `json:"room"`
	Limit int    `json:"limit"`
}

// HistoryResponse is the response for the history service.
type HistoryResponse struct {
	Room     string            `json:"room"`
	Messages []*domain.Message `json:"messages"`
}

// RoomsRequest is the request for the rooms service.
type RoomsRequest struct{}

// RoomInfo describes one room as seen by this process.
type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// RoomsResponse is the response for the rooms service.
type RoomsResponse struct {
	Node  string     `json:"node"`
	Rooms []RoomInfo `json:"rooms"`
}
