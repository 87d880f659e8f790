package talk

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/example/talk-gateway/modules/store"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/stretchr/testify/require"
)

// mockLogger implements types.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(_ string, _ ...any)         {}
func (m *mockLogger) Info(_ string, _ ...any)          {}
func (m *mockLogger) Warn(_ string, _ ...any)          {}
func (m *mockLogger) Error(_ string, _ ...any)         {}
func (m *mockLogger) With(_ ...any) types.Logger       { return m }
func (m *mockLogger) WithModule(_ string) types.Logger { return m }
func (m *mockLogger) WithError(_ error) types.Logger   { return m }

type sentEvent struct {
	Name    string
	Payload any
}

// fakeTransport records what the engine emits.
type fakeTransport struct {
	mu         sync.Mutex
	emitted    map[string][]sentEvent
	broadcasts []sentEvent
	closed     map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		emitted: make(map[string][]sentEvent),
		closed:  make(map[string]bool),
	}
}

func (f *fakeTransport) Emit(connID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted[connID] = append(f.emitted[connID], sentEvent{Name: event, Payload: payload})
	return nil
}

func (f *fakeTransport) EmitWait(_ context.Context, connID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[connID] {
		return ErrConnectionClosed
	}
	f.emitted[connID] = append(f.emitted[connID], sentEvent{Name: event, Payload: payload})
	return nil
}

// closeConn makes EmitWait to connID fail as if the client went away.
func (f *fakeTransport) closeConn(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[connID] = true
}

func (f *fakeTransport) Broadcast(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, sentEvent{Name: event, Payload: payload})
}

// deliveries returns the Delivery bodies of the named event sent to connID.
func (f *fakeTransport) deliveries(connID, event string) []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Delivery
	for _, e := range f.emitted[connID] {
		if e.Name == event {
			out = append(out, e.Payload.(Delivery))
		}
	}
	return out
}

func (f *fakeTransport) waitDeliveries(t *testing.T, connID, event string, n int) []Delivery {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.deliveries(connID, event)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s events on %s", n, event, connID)
	return f.deliveries(connID, event)
}

// presence decodes the client_info broadcasts received so far.
func (f *fakeTransport) presence(t *testing.T) []domain.PresenceChange {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PresenceChange
	for _, e := range f.broadcasts {
		if e.Name != EventClientInfo {
			continue
		}
		data, err := json.Marshal(e.Payload)
		require.NoError(t, err)
		var change domain.PresenceChange
		require.NoError(t, json.Unmarshal(data, &change))
		out = append(out, change)
	}
	return out
}

func (f *fakeTransport) waitPresence(t *testing.T, n int) []domain.PresenceChange {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.presence(t)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d presence events", n)
	return f.presence(t)
}

func (f *fakeTransport) broadcastsOf(event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.broadcasts {
		if e.Name == event {
			out = append(out, e)
		}
	}
	return out
}

// recordingObserver collects engine notifications.
type recordingObserver struct {
	mu       sync.Mutex
	presence []domain.Identity
	messages []domain.Message
}

func (r *recordingObserver) PresenceChanged(ident domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, ident)
}

func (r *recordingObserver) MessageSent(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

// faultyStore wraps a memory store with injectable failures.
type faultyStore struct {
	*store.MemoryStore
	appendErr  error
	publishErr error
}

func (f *faultyStore) AppendPublish(ctx context.Context, req store.AppendRequest) (int64, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	return f.MemoryStore.AppendPublish(ctx, req)
}

func (f *faultyStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	return f.MemoryStore.Publish(ctx, channel, payload)
}

// startEngine creates and starts an engine, stopping it with the test.
func startEngine(t *testing.T, s store.Store, opts ...Option) (*Engine, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	engine, err := NewEngine(s, transport, &mockLogger{}, opts...)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		_ = engine.Stop(context.Background())
	})
	return engine, transport
}

func seqsOf(deliveries []Delivery) []int64 {
	out := make([]int64, len(deliveries))
	for i, d := range deliveries {
		out[i] = d.Seq
	}
	return out
}
