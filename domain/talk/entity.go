package talk

import "time"

// Presence statuses. Any other non-empty string is an application-defined status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Identity is a logical user bound to at most one live connection.
type Identity struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	ConnectionID string    `json:"connection_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one entry of a room's history.
type Message struct {
	Seq      int64     `json:"seq"`
	Room     string    `json:"room"`
	Sender   string    `json:"sender"`
	Identity string    `json:"identity,omitempty"`
	Payload  string    `json:"payload"`
	SentAt   time.Time `json:"sent_at"`
	Origin   string    `json:"origin"`
}

// PresenceChange is the body of a client_info event.
type PresenceChange struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}
