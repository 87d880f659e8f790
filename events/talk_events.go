package events

import (
	"time"

	"github.com/go-monolith/mono/pkg/helper"
)

// MessageSentEvent is emitted after a message is appended to a room log.
type MessageSentEvent struct {
	Room      string    `json:"room"`
	Seq       int64     `json:"seq"`
	Sender    string    `json:"sender"`
	Identity  string    `json:"identity,omitempty"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceChangedEvent is emitted when this process changes an identity's presence.
type PresenceChangedEvent struct {
	IdentityID   string    `json:"identity_id"`
	ConnectionID string    `json:"connection_id"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// Event definitions for the talk domain.
var (
	MessageSentV1 = helper.EventDefinition[MessageSentEvent](
		"talk",
		"MessageSent",
		"v1",
	)

	PresenceChangedV1 = helper.EventDefinition[PresenceChangedEvent](
		"talk",
		"PresenceChanged",
		"v1",
	)
)
