package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store. Every MemoryStore is its own "server":
// gateway engines sharing one MemoryStore behave like processes sharing Redis.
type MemoryStore struct {
	mu       sync.Mutex
	closed   bool
	values   map[string][]byte
	lists    map[string][][]byte
	counters map[string]int64
	channels map[string]map[*memorySubscription]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string][]byte),
		lists:    make(map[string][][]byte),
		counters: make(map[string]int64),
		channels: make(map[string]map[*memorySubscription]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.values[key] = clone(value)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.values, key)
	delete(s.lists, key)
	delete(s.counters, key)
	return nil
}

func (s *MemoryStore) Take(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.values, key)
	return v, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, prev, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	cur, ok := s.values[key]
	switch {
	case prev == nil && ok:
		return false, nil
	case prev != nil && (!ok || !bytes.Equal(cur, prev)):
		return false, nil
	}

	if next == nil {
		delete(s.values, key)
	} else {
		s.values[key] = clone(next)
	}
	return true, nil
}

func (s *MemoryStore) Append(_ context.Context, listKey string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.lists[listKey] = append(s.lists[listKey], clone(value))
	return int64(len(s.lists[listKey])), nil
}

func (s *MemoryStore) Range(_ context.Context, listKey string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	list := s.lists[listKey]
	n := int64(len(list))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return [][]byte{}, nil
	}

	result := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		result = append(result, clone(v))
	}
	return result, nil
}

func (s *MemoryStore) AppendPublish(_ context.Context, req AppendRequest) (int64, error) {
	var entry map[string]json.RawMessage
	if err := json.Unmarshal(req.Entry, &entry); err != nil {
		return 0, fmt.Errorf("memory append %s: entry is not a JSON object: %w", req.ListKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	seq := s.counters[req.CounterKey] + 1
	entry[SeqField] = json.RawMessage(fmt.Sprintf("%d", seq))
	encoded, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("memory append %s: %w", req.ListKey, err)
	}
	s.counters[req.CounterKey] = seq

	list := append(s.lists[req.ListKey], encoded)
	if req.MaxLen > 0 && int64(len(list)) > req.MaxLen {
		list = list[int64(len(list))-req.MaxLen:]
	}
	s.lists[req.ListKey] = list

	s.publishLocked(req.Channel, encoded)
	return seq, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.publishLocked(channel, clone(payload))
	return nil
}

func (s *MemoryStore) publishLocked(channel string, payload []byte) {
	for sub := range s.channels[channel] {
		sub.box.push(clone(payload))
	}
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string, handler Handler) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		store:   s,
		channel: channel,
		box:     newMailbox(handler),
	}
	if s.channels[channel] == nil {
		s.channels[channel] = make(map[*memorySubscription]struct{})
	}
	s.channels[channel][sub] = struct{}{}
	return sub, nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var subs []*memorySubscription
	for _, set := range s.channels {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// memorySubscription delivers payloads through its own mailbox, preserving
// publish order without blocking publishers.
type memorySubscription struct {
	store   *MemoryStore
	channel string
	box     *mailbox
	once    sync.Once
}

func (m *memorySubscription) Close() error {
	m.once.Do(func() {
		m.store.mu.Lock()
		if set, ok := m.store.channels[m.channel]; ok {
			delete(set, m)
			if len(set) == 0 {
				delete(m.store.channels, m.channel)
			}
		}
		m.store.mu.Unlock()
		m.box.close()
	})
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
