package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// appendPublishScript allocates the sequence, stamps it, appends, trims and
// publishes in one server-side step so publish order equals log order.
var appendPublishScript = redis.NewScript(`
	local seq = redis.call('INCR', KEYS[2])
	local entry = cjson.decode(ARGV[1])
	entry['seq'] = seq
	local encoded = cjson.encode(entry)
	redis.call('RPUSH', KEYS[1], encoded)

	local max_len = tonumber(ARGV[3])
	if max_len > 0 then
		redis.call('LTRIM', KEYS[1], -max_len, -1)
	end

	redis.call('PUBLISH', ARGV[2], encoded)
	return seq
`)

// compareAndSwapScript sets or deletes KEYS[1] only if it holds ARGV[1].
// ARGV[3] flags: "a" prev must be absent, "d" delete instead of set.
var compareAndSwapScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	local flags = ARGV[3]
	if string.find(flags, 'a', 1, true) then
		if cur then return 0 end
	elseif cur ~= ARGV[1] then
		return 0
	end

	if string.find(flags, 'd', 1, true) then
		redis.call('DEL', KEYS[1])
	else
		redis.call('SET', KEYS[1], ARGV[2])
	end
	return 1
`)

// RedisStore implements Store on top of a Redis client. All subscriptions
// share one pub/sub connection.
type RedisStore struct {
	client *redis.Client

	mu       sync.Mutex
	ps       *redis.PubSub
	channels map[string]*redisChannel
	// pending counts SUBSCRIBE commands per channel not yet confirmed.
	pending map[string]int
	closed  bool
}

// redisChannel is the local fan-in for one subscribed channel.
type redisChannel struct {
	subs  map[*redisSubscription]struct{}
	ready chan struct{}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:   client,
		channels: make(map[string]*redisChannel),
		pending:  make(map[string]int),
	}
}

// Get returns the value stored at key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Set stores value at key without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Take reads and deletes key with GETDEL.
func (s *RedisStore) Take(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis getdel %s: %w", key, err)
	}
	return data, nil
}

// CompareAndSwap runs the compare-and-swap script.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	flags := ""
	if prev == nil {
		flags += "a"
	}
	if next == nil {
		flags += "d"
	}
	n, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, string(prev), string(next), flags).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-swap %s: %w", key, err)
	}
	return n == 1, nil
}

// Append pushes value to the tail of listKey.
func (s *RedisStore) Append(ctx context.Context, listKey string, value []byte) (int64, error) {
	n, err := s.client.RPush(ctx, listKey, value).Result()
	if err != nil {
		return 0, fmt.Errorf("redis rpush %s: %w", listKey, err)
	}
	return n, nil
}

// Range returns list elements between start and stop inclusive.
func (s *RedisStore) Range(ctx context.Context, listKey string, start, stop int64) ([][]byte, error) {
	values, err := s.client.LRange(ctx, listKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", listKey, err)
	}
	result := make([][]byte, len(values))
	for i, v := range values {
		result[i] = []byte(v)
	}
	return result, nil
}

// AppendPublish runs the sequenced append script.
func (s *RedisStore) AppendPublish(ctx context.Context, req AppendRequest) (int64, error) {
	seq, err := appendPublishScript.Run(
		ctx,
		s.client,
		[]string{req.ListKey, req.CounterKey},
		string(req.Entry),
		req.Channel,
		req.MaxLen,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis append script %s: %w", req.ListKey, err)
	}
	return seq, nil
}

// Publish sends payload on channel.
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe adds channel to the shared pub/sub connection and returns once
// Redis has confirmed it. Each subscription gets its own delivery goroutine.
func (s *RedisStore) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	sub := &redisSubscription{
		store:   s,
		channel: channel,
		box:     newMailbox(handler),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.box.close()
		return nil, ErrClosed
	}
	if s.ps == nil {
		s.ps = s.client.Subscribe(context.Background())
		go s.dispatch(s.ps)
	}

	ch, ok := s.channels[channel]
	if !ok {
		ch = &redisChannel{
			subs:  make(map[*redisSubscription]struct{}),
			ready: make(chan struct{}),
		}
		s.channels[channel] = ch
		s.pending[channel]++
		if err := s.ps.Subscribe(ctx, channel); err != nil {
			s.pending[channel]--
			delete(s.channels, channel)
			s.mu.Unlock()
			sub.box.close()
			return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
		}
	}
	ch.subs[sub] = struct{}{}
	s.mu.Unlock()

	// Wait for the confirmation so no publish after return is missed.
	select {
	case <-ch.ready:
		return sub, nil
	case <-ctx.Done():
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, ctx.Err())
	}
}

// dispatch routes confirmations and messages from the shared connection.
func (s *RedisStore) dispatch(ps *redis.PubSub) {
	for msg := range ps.ChannelWithSubscriptions() {
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				s.confirm(m.Channel)
			}
		case *redis.Message:
			s.mu.Lock()
			var boxes []*mailbox
			if ch, ok := s.channels[m.Channel]; ok {
				boxes = make([]*mailbox, 0, len(ch.subs))
				for sub := range ch.subs {
					boxes = append(boxes, sub.box)
				}
			}
			s.mu.Unlock()

			for _, box := range boxes {
				box.push([]byte(m.Payload))
			}
		}
	}
}

// confirm marks a channel ready once every SUBSCRIBE sent for it is
// acknowledged. Confirmations replayed after a reconnect are ignored.
func (s *RedisStore) confirm(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending[channel] > 0 {
		s.pending[channel]--
	}
	if s.pending[channel] > 0 {
		return
	}
	delete(s.pending, channel)

	if ch, ok := s.channels[channel]; ok {
		select {
		case <-ch.ready:
		default:
			close(ch.ready)
		}
	}
}

// remove detaches sub and unsubscribes the channel when it was the last one.
func (s *RedisStore) remove(sub *redisSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[sub.channel]
	if !ok {
		return nil
	}
	delete(ch.subs, sub)
	if len(ch.subs) > 0 {
		return nil
	}
	delete(s.channels, sub.channel)
	if s.closed || s.ps == nil {
		return nil
	}
	if err := s.ps.Unsubscribe(context.Background(), sub.channel); err != nil {
		return fmt.Errorf("redis unsubscribe %s: %w", sub.channel, err)
	}
	return nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes all subscriptions, the shared pub/sub connection and the client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var subs []*redisSubscription
	for _, ch := range s.channels {
		for sub := range ch.subs {
			subs = append(subs, sub)
		}
	}
	ps := s.ps
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	if ps != nil {
		_ = ps.Close()
	}
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// SubscribedChannels returns the channels held on the shared connection.
func (s *RedisStore) SubscribedChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

type redisSubscription struct {
	store   *RedisStore
	channel string
	box     *mailbox
	once    sync.Once
	err     error
}

func (r *redisSubscription) Close() error {
	r.once.Do(func() {
		r.box.close()
		r.err = r.store.remove(r)
	})
	return r.err
}
