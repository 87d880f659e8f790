package talk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/example/talk-gateway/modules/store"
	"github.com/go-monolith/mono/pkg/types"
)

// Limits on inbound room traffic.
const (
	MaxRoomNameLength = 100
	MaxPayloadLength  = 5000
)

// Broadcaster appends messages to room logs and fans published messages out
// to the local members of each room.
type Broadcaster struct {
	log       *MessageLog
	pubsub    store.PubSub
	sessions  *SessionStore
	transport Transport
	keys      keyspace
	node      string
	timeout   time.Duration
	observer  func() Observer
	logger    types.Logger
	now       func() time.Time
}

// Send appends payload to the room log. The message reaches every member in
// every process through the room subscription, including this one.
func (b *Broadcaster) Send(ctx context.Context, senderConn, roomName, payload string) (*domain.Message, error) {
	name, err := validateRoom(roomName)
	if err != nil {
		return nil, err
	}
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		Room:    name,
		Sender:  senderConn,
		Payload: payload,
		SentAt:  b.now().UTC(),
		Origin:  b.node,
	}

	// Anonymous connections may send; the identity is attached when bound.
	ident, err := b.sessions.Lookup(ctx, senderConn)
	switch {
	case err == nil:
		msg.Identity = ident.ID
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if err := b.log.Append(ctx, msg); err != nil {
		return nil, err
	}

	b.logger.Debug("Message appended", "room", name, "seq", msg.Seq, "conn", senderConn)
	b.observer().MessageSent(*msg)
	return msg, nil
}

// replay emits the retained history of a room to connID as messages events
// and returns the highest sequence sent. History is read under readCtx; each
// event waits for the connection under sendCtx, so a long history is paced by
// the client instead of overrunning its buffer. The caller holds the room lock.
func (b *Broadcaster) replay(readCtx, sendCtx context.Context, roomName, connID string) (int64, int, error) {
	history, err := b.log.Replay(readCtx, roomName)
	if err != nil {
		return 0, 0, err
	}

	var last int64
	for i, msg := range history {
		if err := b.transport.EmitWait(sendCtx, connID, EventMessages, toDelivery(msg)); err != nil {
			return 0, 0, fmt.Errorf("replay %s to %s stopped at %d of %d: %w", roomName, connID, i, len(history), err)
		}
		last = msg.Seq
	}
	return last, len(history), nil
}

// subscribe opens the room channel subscription for the registry.
func (b *Broadcaster) subscribe(r *room) (store.Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	sub, err := b.pubsub.Subscribe(ctx, b.keys.roomChannel(r.name), func(payload []byte) {
		b.handle(r, payload)
	})
	if err != nil {
		return nil, unavailable(fmt.Errorf("subscribe room %s: %w", r.name, err))
	}
	b.logger.Debug("Subscribed to room", "room", r.name)
	return sub, nil
}

// handle delivers one published message to the room's local members.
func (b *Broadcaster) handle(r *room, payload []byte) {
	msg, err := decodeMessage(payload)
	if err != nil {
		b.logger.Warn("Dropping malformed room message", "room", r.name, "error", err)
		return
	}

	delivery := toDelivery(msg)
	delivered := r.deliver(msg.Seq, func(connID string) {
		if err := b.transport.Emit(connID, EventReceiveMessage, delivery); err != nil {
			b.logger.Warn("Failed to deliver message", "room", r.name, "conn", connID, "seq", msg.Seq, "origin", msg.Origin, "error", err)
		}
	})
	if delivered {
		b.logger.Debug("Room message delivered", "room", r.name, "seq", msg.Seq, "origin", msg.Origin, "local", msg.Origin == b.node)
	}
}

func toDelivery(msg *domain.Message) Delivery {
	return Delivery{
		Room:     msg.Room,
		Message:  msg.Payload,
		Sender:   msg.Sender,
		Identity: msg.Identity,
		Seq:      msg.Seq,
		SentAt:   msg.SentAt.UTC().Format(time.RFC3339Nano),
	}
}

func validateRoom(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: room is required", ErrNotFound)
	case len(name) > MaxRoomNameLength:
		return "", fmt.Errorf("%w: room name exceeds %d bytes", ErrInvalidPayload, MaxRoomNameLength)
	case !utf8.ValidString(name):
		return "", fmt.Errorf("%w: room name is not valid UTF-8", ErrInvalidPayload)
	}
	return name, nil
}

func validatePayload(payload string) error {
	switch {
	case payload == "":
		return fmt.Errorf("%w: message is required", ErrNotFound)
	case len(payload) > MaxPayloadLength:
		return fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidPayload, MaxPayloadLength)
	case !utf8.ValidString(payload):
		return fmt.Errorf("%w: message is not valid UTF-8", ErrInvalidPayload)
	}
	return nil
}
