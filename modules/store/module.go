package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Backend names accepted by Config.Backend.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds store configuration.
type Config struct {
	// Backend selects the implementation: "redis" or "memory".
	Backend string

	// RedisAddr is the Redis server address (e.g., "localhost:6379")
	RedisAddr string

	// RedisPassword is the Redis authentication password (optional)
	RedisPassword string

	// RedisDB is the Redis database number (default: 0)
	RedisDB int
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendRedis,
		RedisAddr: "localhost:6379",
	}
}

// Option is a function that modifies Config.
type Option func(*Config)

// WithBackend sets the store backend.
func WithBackend(backend string) Option {
	return func(c *Config) {
		c.Backend = backend
	}
}

// WithRedisAddr sets the Redis server address.
func WithRedisAddr(addr string) Option {
	return func(c *Config) {
		c.RedisAddr = addr
	}
}

// WithRedisPassword sets the Redis authentication password.
func WithRedisPassword(password string) Option {
	return func(c *Config) {
		c.RedisPassword = password
	}
}

// WithRedisDB sets the Redis database number.
func WithRedisDB(db int) Option {
	return func(c *Config) {
		c.RedisDB = db
	}
}

// Module exposes the shared store as a mono module.
type Module struct {
	config Config
	store  Store
	logger types.Logger
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates the store module. The backend is constructed immediately
// so other modules can be wired before Start; Redis connects lazily.
func NewModule(logger types.Logger, opts ...Option) (*Module, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Module{
		config: cfg,
		logger: logger,
	}

	switch cfg.Backend {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     50,
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		m.store = NewRedisStore(client)
	case BackendMemory:
		m.store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string {
	return "store"
}

// Start verifies the backend is reachable.
func (m *Module) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.store.Ping(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to %s store: %w", m.config.Backend, err)
	}

	if m.config.Backend == BackendRedis {
		m.logger.Info("Connected to Redis", "addr", m.config.RedisAddr, "db", m.config.RedisDB)
	} else {
		m.logger.Warn("Using in-memory store; state is not shared between processes")
	}
	return nil
}

// Stop closes the backend.
func (m *Module) Stop(_ context.Context) error {
	if err := m.store.Close(); err != nil {
		m.logger.Error("Error closing store", "error", err)
		return fmt.Errorf("failed to close store: %w", err)
	}
	m.logger.Info("Store module stopped")
	return nil
}

// Health pings the backend.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if err := m.store.Ping(ctx); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: err.Error(),
			Details: map[string]any{"backend": m.config.Backend},
		}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{"backend": m.config.Backend},
	}
}

// Store returns the backend.
func (m *Module) Store() Store {
	return m.store
}

// Backend returns the configured backend name.
func (m *Module) Backend() string {
	return m.config.Backend
}
