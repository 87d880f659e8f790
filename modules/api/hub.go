package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/example/talk-gateway/modules/talk"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
)

// ErrSlowConsumer is returned by Emit when a connection's send buffer is full.
// The connection is closed.
var ErrSlowConsumer = errors.New("send buffer full")

// wsConn is the part of a WebSocket connection the hub writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client is one connected WebSocket client.
type Client struct {
	ID      string
	conn    wsConn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rateLimiter
}

// close stops the writer and closes the socket, which ends the read loop.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Closed is closed once the client is shut down.
func (c *Client) Closed() <-chan struct{} {
	return c.done
}

// Hub tracks the connections of this process and writes events to them. It
// implements talk.Transport.
type Hub struct {
	bufferSize int
	rate       rateConfig
	logger     types.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

var _ talk.Transport = (*Hub)(nil)

// NewHub creates a hub. bufferSize bounds the queued frames per connection.
func NewHub(logger types.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		bufferSize: bufferSize,
		rate:       rateConfig{perSecond: 10, burst: 20},
		logger:     logger,
		clients:    make(map[string]*Client),
	}
}

// SetRateLimit configures the inbound limit for clients registered afterwards.
func (h *Hub) SetRateLimit(perSecond float64, burst int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rate = rateConfig{perSecond: perSecond, burst: burst}
}

// Register adds a connection and starts its writer.
func (h *Hub) Register(id string, conn wsConn) *Client {
	h.mu.Lock()
	client := &Client{
		ID:      id,
		conn:    conn,
		send:    make(chan []byte, h.bufferSize),
		done:    make(chan struct{}),
		limiter: newRateLimiter(h.rate.burst, h.rate.perSecond),
	}
	h.clients[id] = client
	h.mu.Unlock()

	go h.writePump(client)
	h.logger.Debug("Client registered", "conn", id)
	return client
}

// Unregister removes and closes a connection. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	if ok {
		client.close()
		h.logger.Debug("Client unregistered", "conn", id)
	}
}

// Emit queues an event for one local connection.
func (h *Hub) Emit(connID, event string, payload any) error {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	return h.enqueue(client, data)
}

// EmitWait queues an event for one local connection, waiting for buffer space
// instead of closing the connection. It fails once the connection closes or
// ctx is done.
func (h *Hub) EmitWait(ctx context.Context, connID, event string, payload any) error {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", talk.ErrConnectionClosed, connID)
	}

	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-client.done:
		return fmt.Errorf("%w: %s", talk.ErrConnectionClosed, connID)
	default:
	}

	select {
	case client.send <- data:
		return nil
	case <-client.done:
		return fmt.Errorf("%w: %s", talk.ErrConnectionClosed, connID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast queues an event for every local connection.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("Failed to encode broadcast", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		_ = h.enqueue(c, data)
	}
}

func (h *Hub) enqueue(c *Client, data []byte) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		h.logger.Warn("Closing slow consumer", "conn", c.ID)
		c.close()
		return fmt.Errorf("%w: %s", ErrSlowConsumer, c.ID)
	}
}

func (h *Hub) writePump(c *Client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Write failed, closing connection", "conn", c.ID, "error", err)
				c.close()
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every connection. Their read loops run disconnect cleanup.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(outboundFrame{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return data, nil
}
