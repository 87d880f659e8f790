package talk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/example/talk-gateway/events"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"
)

// Module runs the presence and room fan-out engine inside the mono app.
type Module struct {
	engine   *Engine
	eventBus mono.EventBus
	logger   types.Logger
}

// Compile-time interface checks.
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.DependentModule       = (*Module)(nil)
	_ mono.ServiceProviderModule = (*Module)(nil)
	_ mono.EventBusAwareModule   = (*Module)(nil)
	_ mono.EventEmitterModule    = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
	_ Observer                   = (*Module)(nil)
)

// NewModule wraps an engine. The module becomes the engine's observer.
func NewModule(engine *Engine, logger types.Logger) *Module {
	m := &Module{
		engine: engine,
		logger: logger,
	}
	engine.SetObserver(m)
	return m
}

// Name returns the module name.
func (m *Module) Name() string {
	return "talk"
}

// Dependencies returns the list of module dependencies.
func (m *Module) Dependencies() []string {
	return []string{"store"}
}

// SetDependencyServiceContainer receives service containers from dependencies.
// The store module offers no services; the engine already holds the store.
func (m *Module) SetDependencyServiceContainer(string, mono.ServiceContainer) {}

// SetEventBus receives the EventBus from the framework.
func (m *Module) SetEventBus(bus mono.EventBus) {
	m.eventBus = bus
}

// EmitEvents declares the events this module can emit.
func (m *Module) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.MessageSentV1.ToBase(),
		events.PresenceChangedV1.ToBase(),
	}
}

// Start subscribes the engine to presence traffic.
func (m *Module) Start(ctx context.Context) error {
	if err := m.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start talk engine: %w", err)
	}
	m.logger.Info("Talk module started", "node", m.engine.NodeID())
	return nil
}

// Stop drops all local rooms and subscriptions.
func (m *Module) Stop(ctx context.Context) error {
	if err := m.engine.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop talk engine: %w", err)
	}
	m.logger.Info("Talk module stopped")
	return nil
}

// Health reports the shared store reachability and local room count.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if err := m.engine.Ping(ctx); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: fmt.Sprintf("store ping failed: %v", err),
		}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"node":  m.engine.NodeID(),
			"rooms": len(m.engine.Rooms()),
		},
	}
}

// Engine returns the wrapped engine.
func (m *Module) Engine() *Engine {
	return m.engine
}

// RegisterServices registers request-reply services in the service container.
func (m *Module) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container,
		ServiceHistory,
		json.Unmarshal,
		json.Marshal,
		m.handleHistory,
	); err != nil {
		return fmt.Errorf("failed to register history service: %w", err)
	}

	if err := helper.RegisterTypedRequestReplyService(
		container,
		ServiceRooms,
		json.Unmarshal,
		json.Marshal,
		m.handleRooms,
	); err != nil {
		return fmt.Errorf("failed to register rooms service: %w", err)
	}

	m.logger.Info("Registered services", "services", []string{ServiceHistory, ServiceRooms})
	return nil
}

func (m *Module) handleHistory(ctx context.Context, req HistoryRequest, _ *mono.Msg) (HistoryResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	messages, err := m.engine.History(ctx, req.Room, limit)
	if err != nil {
		return HistoryResponse{}, err
	}
	return HistoryResponse{Room: req.Room, Messages: messages}, nil
}

func (m *Module) handleRooms(_ context.Context, _ RoomsRequest, _ *mono.Msg) (RoomsResponse, error) {
	return RoomsResponse{Node: m.engine.NodeID(), Rooms: roomInfos(m.engine.Rooms())}, nil
}

// PresenceChanged publishes PresenceChangedV1.
func (m *Module) PresenceChanged(ident domain.Identity) {
	if m.eventBus == nil {
		return
	}
	event := events.PresenceChangedEvent{
		IdentityID:   ident.ID,
		ConnectionID: ident.ConnectionID,
		Status:       ident.Status,
		Timestamp:    time.Now(),
	}
	if err := events.PresenceChangedV1.Publish(m.eventBus, event, nil); err != nil {
		m.logger.Warn("Failed to publish PresenceChanged event", "error", err)
	}
}

// MessageSent publishes MessageSentV1.
func (m *Module) MessageSent(msg domain.Message) {
	if m.eventBus == nil {
		return
	}
	event := events.MessageSentEvent{
		Room:      msg.Room,
		Seq:       msg.Seq,
		Sender:    msg.Sender,
		Identity:  msg.Identity,
		Origin:    msg.Origin,
		Timestamp: msg.SentAt,
	}
	if err := events.MessageSentV1.Publish(m.eventBus, event, nil); err != nil {
		m.logger.Warn("Failed to publish MessageSent event", "error", err)
	}
}

func roomInfos(counts map[string]int) []RoomInfo {
	rooms := make([]RoomInfo, 0, len(counts))
	for name, n := range counts {
		rooms = append(rooms, RoomInfo{Name: name, Members: n})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms
}
