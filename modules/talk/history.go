package talk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/example/talk-gateway/modules/store"
	"golang.org/x/sync/singleflight"
)

// MessageLog is the per-room ordered history kept in the shared store.
type MessageLog struct {
	store  store.Store
	keys   keyspace
	maxLen int64
	// timeout bounds shared reads, which outlive any single caller.
	timeout time.Duration

	reads singleflight.Group
}

// NewMessageLog creates a message log. maxLen caps each room's retained
// history; zero keeps everything.
func NewMessageLog(s store.Store, prefix string, maxLen int64, timeout time.Duration) *MessageLog {
	return &MessageLog{
		store:   s,
		keys:    keyspace{prefix: prefix},
		maxLen:  maxLen,
		timeout: timeout,
	}
}

// Append stores msg with the next sequence of its room and publishes it on
// the room channel in the same step. msg.Seq is set on success.
func (l *MessageLog) Append(ctx context.Context, msg *domain.Message) error {
	entry, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	seq, err := l.store.AppendPublish(ctx, store.AppendRequest{
		ListKey:    l.keys.messages(msg.Room),
		CounterKey: l.keys.sequence(msg.Room),
		Channel:    l.keys.roomChannel(msg.Room),
		Entry:      entry,
		MaxLen:     l.maxLen,
	})
	if err != nil {
		return unavailable(err)
	}
	msg.Seq = seq
	return nil
}

// Replay returns the full retained history of a room, oldest first.
func (l *MessageLog) Replay(ctx context.Context, room string) ([]*domain.Message, error) {
	return l.rangeMessages(ctx, room, 0, -1)
}

// Recent returns the newest limit messages of a room, oldest first. Limit
// zero or below returns everything. Identical concurrent calls share one read.
func (l *MessageLog) Recent(ctx context.Context, room string, limit int) ([]*domain.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}

	v, err, _ := l.reads.Do(room+"/"+strconv.Itoa(limit), func() (any, error) {
		// Coalesced callers must not fail because the first one went away.
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		return l.rangeMessages(readCtx, room, start, -1)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.Message), nil
}

func (l *MessageLog) rangeMessages(ctx context.Context, room string, start, stop int64) ([]*domain.Message, error) {
	entries, err := l.store.Range(ctx, l.keys.messages(room), start, stop)
	if err != nil {
		return nil, unavailable(err)
	}

	messages := make([]*domain.Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := decodeMessage(entry)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func decodeMessage(data []byte) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
