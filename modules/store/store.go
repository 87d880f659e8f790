// Package store provides the shared key-value, ordered list and pub/sub
// backend used by every gateway process.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// SeqField is the JSON field AppendPublish stamps with the allocated sequence.
const SeqField = "seq"

// KV is a plain key-value interface.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Take atomically reads and deletes key. Only one of several concurrent
	// callers observes the value.
	Take(ctx context.Context, key string) ([]byte, error)
	// CompareAndSwap replaces the value of key with next only if it currently
	// equals prev. A nil prev requires the key to be absent; a nil next
	// deletes the key. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)
}

// List is an ordered-append list interface.
type List interface {
	// Append pushes value to the tail of listKey and returns the new length.
	Append(ctx context.Context, listKey string, value []byte) (int64, error)
	// Range returns elements between start and stop inclusive. Negative
	// indexes count from the tail, as in Redis LRANGE.
	Range(ctx context.Context, listKey string, start, stop int64) ([][]byte, error)
}

// Handler receives payloads published on a subscribed channel, in publish order.
type Handler func(payload []byte)

// Subscription is an active channel subscription.
type Subscription interface {
	Close() error
}

// PubSub is a publish/subscribe interface.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
}

// AppendRequest describes a sequenced append.
type AppendRequest struct {
	ListKey    string
	CounterKey string
	Channel    string
	// Entry must be a JSON object; its SeqField is overwritten.
	Entry []byte
	// MaxLen trims the list to the newest MaxLen entries. Zero keeps everything.
	MaxLen int64
}

// Journal performs the sequenced append used by room history.
type Journal interface {
	// AppendPublish allocates the next value of CounterKey, stamps it into
	// Entry, appends the stamped entry to ListKey and publishes it on Channel
	// as one atomic step. It returns the allocated sequence.
	AppendPublish(ctx context.Context, req AppendRequest) (int64, error)
}

// Store is the full backend boundary.
type Store interface {
	KV
	List
	PubSub
	Journal
	Ping(ctx context.Context) error
	Close() error
}
