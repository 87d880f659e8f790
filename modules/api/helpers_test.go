package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/example/talk-gateway/modules/store"
	"github.com/example/talk-gateway/modules/talk"
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

// fakeConn records frames written by the hub.
type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	block   chan struct{}
	failErr error
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type decodedFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (f *fakeConn) decoded(t *testing.T) []decodedFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]decodedFrame, 0, len(f.frames))
	for _, raw := range f.frames {
		var frame decodedFrame
		require.NoError(t, json.Unmarshal(raw, &frame))
		out = append(out, frame)
	}
	return out
}

// framesOf returns the frames with the given event name.
func (f *fakeConn) framesOf(t *testing.T, event string) []decodedFrame {
	t.Helper()
	var out []decodedFrame
	for _, frame := range f.decoded(t) {
		if frame.Event == event {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakeConn) waitFor(t *testing.T, event string, n int) []decodedFrame {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.framesOf(t, event)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s frames", n, event)
	return f.framesOf(t, event)
}

func decodeData[T any](t *testing.T, frame decodedFrame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(frame.Data, &v))
	return v
}

// fakeTalkPort serves the REST read side without a service container.
type fakeTalkPort struct {
	rooms    *talk.RoomsResponse
	messages []*domain.Message
	err      error
	gotRoom  string
	gotLimit int
}

func (f *fakeTalkPort) History(_ context.Context, room string, limit int) ([]*domain.Message, error) {
	f.gotRoom = room
	f.gotLimit = limit
	return f.messages, f.err
}

func (f *fakeTalkPort) Rooms(_ context.Context) (*talk.RoomsResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rooms, nil
}

var errPortDown = errors.New("service unavailable")

// newGateway wires a real engine over a memory store to a hub.
func newGateway(t *testing.T, opts ...talk.Option) (*Handlers, *Hub, *talk.Engine, *store.MemoryStore) {
	t.Helper()
	return newBufferedGateway(t, 64, opts...)
}

// newBufferedGateway is newGateway with a given per-connection send buffer.
func newBufferedGateway(t *testing.T, buffer int, opts ...talk.Option) (*Handlers, *Hub, *talk.Engine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	hub := NewHub(&mockLogger{}, buffer)
	engine, err := talk.NewEngine(s, hub, &mockLogger{}, opts...)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		hub.CloseAll()
		_ = engine.Stop(context.Background())
	})
	return NewHandlers(engine, hub, &fakeTalkPort{}, NewStats(), &mockLogger{}), hub, engine, s
}
