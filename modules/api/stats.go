package api

import (
	"context"
	"sync"
	"time"

	"github.com/example/talk-gateway/events"
	"github.com/go-monolith/mono"
)

// Stats counts talk events published by this process.
type Stats struct {
	mu             sync.Mutex
	messagesSent   int64
	lastMessageAt  time.Time
	presenceEvents map[string]int64
}

// NewStats creates empty statistics.
func NewStats() *Stats {
	return &Stats{presenceEvents: make(map[string]int64)}
}

func (s *Stats) handleMessageSent(_ context.Context, event events.MessageSentEvent, _ *mono.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesSent++
	if event.Timestamp.After(s.lastMessageAt) {
		s.lastMessageAt = event.Timestamp
	}
	return nil
}

func (s *Stats) handlePresenceChanged(_ context.Context, event events.PresenceChangedEvent, _ *mono.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceEvents[event.Status]++
	return nil
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := StatsResponse{
		MessagesSent:   s.messagesSent,
		PresenceEvents: make(map[string]int64, len(s.presenceEvents)),
	}
	for status, n := range s.presenceEvents {
		resp.PresenceEvents[status] = n
	}
	if !s.lastMessageAt.IsZero() {
		last := s.lastMessageAt
		resp.LastMessageAt = &last
	}
	return resp
}
