package api

import (
	"context"
	"fmt"
	"time"

	"github.com/example/talk-gateway/events"
	"github.com/example/talk-gateway/modules/talk"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Config holds gateway configuration.
type Config struct {
	Port              string
	AllowedOrigins    string
	MessagesPerSecond float64
	Burst             int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:              "3030",
		AllowedOrigins:    "*",
		MessagesPerSecond: 10,
		Burst:             20,
	}
}

// Option is a functional option for configuring the gateway.
type Option func(*Config)

// WithPort sets the listen port.
func WithPort(port string) Option {
	return func(c *Config) {
		c.Port = port
	}
}

// WithAllowedOrigins sets the CORS allowed origins.
func WithAllowedOrigins(origins string) Option {
	return func(c *Config) {
		c.AllowedOrigins = origins
	}
}

// WithRateLimit sets the inbound frame limit per connection. A zero burst
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Config) {
		c.MessagesPerSecond = perSecond
		c.Burst = burst
	}
}

// APIModule is the HTTP API module with WebSocket support.
type APIModule struct {
	config   Config
	app      *fiber.App
	engine   Engine
	hub      *Hub
	talk     talk.TalkPort
	stats    *Stats
	handlers *Handlers
	logger   types.Logger
}

// Compile-time interface checks.
var (
	_ mono.Module                = (*APIModule)(nil)
	_ mono.DependentModule       = (*APIModule)(nil)
	_ mono.EventConsumerModule   = (*APIModule)(nil)
	_ mono.HealthCheckableModule = (*APIModule)(nil)
)

// NewModule creates a new APIModule. hub must be the transport the engine
// delivers to.
func NewModule(engine Engine, hub *Hub, logger types.Logger, opts ...Option) *APIModule {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	hub.SetRateLimit(cfg.MessagesPerSecond, cfg.Burst)

	return &APIModule{
		config: cfg,
		engine: engine,
		hub:    hub,
		stats:  NewStats(),
		logger: logger,
	}
}

// Name returns the module name.
func (m *APIModule) Name() string {
	return "api"
}

// Dependencies returns the list of module dependencies.
func (m *APIModule) Dependencies() []string {
	return []string{"talk"}
}

// SetDependencyServiceContainer receives service containers from dependencies.
func (m *APIModule) SetDependencyServiceContainer(dependency string, container mono.ServiceContainer) {
	switch dependency {
	case "talk":
		m.talk = talk.NewTalkAdapter(container)
	}
}

// RegisterEventConsumers registers event handlers feeding the stats endpoint.
func (m *APIModule) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(
		registry, events.MessageSentV1, m.stats.handleMessageSent, m,
	); err != nil {
		return fmt.Errorf("failed to register MessageSent consumer: %w", err)
	}

	if err := helper.RegisterTypedEventConsumer(
		registry, events.PresenceChangedV1, m.stats.handlePresenceChanged, m,
	); err != nil {
		return fmt.Errorf("failed to register PresenceChanged consumer: %w", err)
	}

	m.logger.Info("Registered event consumers", "events", "MessageSent, PresenceChanged")
	return nil
}

// Start initializes and starts the Fiber server.
func (m *APIModule) Start(_ context.Context) error {
	if m.talk == nil {
		return fmt.Errorf("talk adapter dependency not set")
	}

	m.app = m.newApp()

	// Start server in goroutine with startup error detection
	errCh := make(chan error, 1)
	go func() {
		if err := m.app.Listen(":" + m.config.Port); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	m.logger.Info("HTTP server started", "port", m.config.Port)
	return nil
}

// Stop closes every connection and shuts down the server.
func (m *APIModule) Stop(ctx context.Context) error {
	m.hub.CloseAll()
	if m.app != nil {
		if err := m.app.ShutdownWithContext(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	m.logger.Info("HTTP server stopped")
	return nil
}

// Health returns the health status.
func (m *APIModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: m.app != nil,
		Message: "operational",
		Details: map[string]any{
			"port":        m.config.Port,
			"connections": m.hub.ClientCount(),
		},
	}
}

// newApp builds the Fiber app with middleware and routes.
func (m *APIModule) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Talk Gateway",
		DisableStartupMessage: true,
		ErrorHandler:          m.errorHandler,
		ReadTimeout:           30 * time.Second,
		IdleTimeout:           120 * time.Second,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: m.config.AllowedOrigins,
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))

	m.handlers = NewHandlers(m.engine, m.hub, m.talk, m.stats, m.logger)
	m.registerRoutes(app)
	return app
}

// registerRoutes sets up all HTTP and WebSocket routes.
func (m *APIModule) registerRoutes(app *fiber.App) {
	app.Get("/health", m.handlers.HealthCheck)

	app.Use("/talk", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/talk", websocket.New(m.handlers.HandleWebSocket))

	api := app.Group("/api/v1")
	api.Get("/rooms", m.handlers.ListRooms)
	api.Get("/rooms/:name/history", m.handlers.GetRoomHistory)
	api.Get("/stats", m.handlers.GetStats)
}

// errorHandler handles errors globally.
func (m *APIModule) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	kind := "request_error"
	if code >= fiber.StatusInternalServerError {
		kind = "server_error"
		m.logger.Error("HTTP error", "code", code, "path", c.Path(), "error", err)
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   kind,
		Message: message,
	})
}
