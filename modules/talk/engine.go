package talk

import (
	"context"
	"fmt"
	"sync"
	"time"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/example/talk-gateway/modules/store"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/google/uuid"
)

// Config holds engine configuration.
type Config struct {
	// KeyPrefix namespaces every store key and channel.
	KeyPrefix string
	// HistoryLimit caps each room's retained history; zero keeps everything.
	HistoryLimit int64
	// LoginPolicy decides double-login behavior.
	LoginPolicy LoginPolicy
	// Resolver maps login credentials to identity ids.
	Resolver IdentityResolver
	// StoreTimeout bounds every store call.
	StoreTimeout time.Duration
	// ReplayTimeout bounds how long a join waits for the joining connection
	// to take its history.
	ReplayTimeout time.Duration
	// NodeID identifies this process in message origins.
	NodeID string
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "talk:",
		HistoryLimit:  0,
		LoginPolicy:   PolicyOverwrite,
		Resolver:      PlainResolver{},
		StoreTimeout:  3 * time.Second,
		ReplayTimeout: 30 * time.Second,
	}
}

// Option is a functional option for configuring the engine.
type Option func(*Config)

// WithKeyPrefix sets the store key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// WithHistoryLimit sets the per-room history cap.
func WithHistoryLimit(limit int64) Option {
	return func(c *Config) {
		c.HistoryLimit = limit
	}
}

// WithLoginPolicy sets the double-login policy.
func WithLoginPolicy(policy LoginPolicy) Option {
	return func(c *Config) {
		c.LoginPolicy = policy
	}
}

// WithResolver sets the identity resolver.
func WithResolver(resolver IdentityResolver) Option {
	return func(c *Config) {
		c.Resolver = resolver
	}
}

// WithStoreTimeout sets the per-call store timeout.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.StoreTimeout = timeout
	}
}

// WithReplayTimeout sets how long a join may spend delivering history.
func WithReplayTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.ReplayTimeout = timeout
	}
}

// WithNodeID sets the process identifier.
func WithNodeID(id string) Option {
	return func(c *Config) {
		c.NodeID = id
	}
}

// Observer is notified of state changes made by this process.
type Observer interface {
	PresenceChanged(ident domain.Identity)
	MessageSent(msg domain.Message)
}

type nopObserver struct{}

func (nopObserver) PresenceChanged(domain.Identity) {}
func (nopObserver) MessageSent(domain.Message)      {}

// Engine is the presence and room fan-out engine of one gateway process.
type Engine struct {
	config    Config
	store     store.Store
	transport Transport
	logger    types.Logger

	sessions    *SessionStore
	log         *MessageLog
	registry    *Registry
	presence    *Presence
	broadcaster *Broadcaster

	mu          sync.RWMutex
	observer    Observer
	presenceSub store.Subscription
}

// NewEngine creates an engine over a shared store, delivering to transport.
func NewEngine(s store.Store, transport Transport, logger types.Logger, opts ...Option) (*Engine, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Resolver == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if cfg.StoreTimeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive")
	}
	if cfg.ReplayTimeout <= 0 {
		return nil, fmt.Errorf("replay timeout must be positive")
	}
	if cfg.HistoryLimit < 0 {
		return nil, fmt.Errorf("history limit must not be negative")
	}
	if _, err := ParseLoginPolicy(string(cfg.LoginPolicy)); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}

	e := &Engine{
		config:    cfg,
		store:     s,
		transport: transport,
		logger:    logger,
		observer:  nopObserver{},
	}

	keys := keyspace{prefix: cfg.KeyPrefix}
	e.sessions = NewSessionStore(s, cfg.KeyPrefix)
	e.log = NewMessageLog(s, cfg.KeyPrefix, cfg.HistoryLimit, cfg.StoreTimeout)
	e.presence = &Presence{
		sessions: e.sessions,
		pubsub:   s,
		channel:  keys.presenceChannel(),
		resolver: cfg.Resolver,
		policy:   cfg.LoginPolicy,
		observer: e.currentObserver,
		logger:   logger,
		now:      time.Now,
	}
	e.broadcaster = &Broadcaster{
		log:       e.log,
		pubsub:    s,
		sessions:  e.sessions,
		transport: transport,
		keys:      keys,
		node:      cfg.NodeID,
		timeout:   cfg.StoreTimeout,
		observer:  e.currentObserver,
		logger:    logger,
		now:       time.Now,
	}
	e.registry = NewRegistry(e.broadcaster.subscribe)

	return e, nil
}

// SetObserver installs an observer; nil restores the no-op observer.
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	e.observer = o
}

func (e *Engine) currentObserver() Observer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.observer
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// NodeID returns this process identifier.
func (e *Engine) NodeID() string {
	return e.config.NodeID
}

// Start subscribes to the presence channel.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	sub, err := e.presence.subscribe(ctx, e.transport)
	if err != nil {
		return unavailable(fmt.Errorf("subscribe presence: %w", err))
	}

	e.mu.Lock()
	e.presenceSub = sub
	e.mu.Unlock()

	e.logger.Info("Talk engine started", "node", e.config.NodeID, "prefix", e.config.KeyPrefix)
	return nil
}

// Stop closes every room and the presence subscription. Session records of
// connections still open are left to their disconnect handling.
func (e *Engine) Stop(_ context.Context) error {
	e.registry.Close()

	e.mu.Lock()
	sub := e.presenceSub
	e.presenceSub = nil
	e.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			return fmt.Errorf("close presence subscription: %w", err)
		}
	}
	e.logger.Info("Talk engine stopped", "node", e.config.NodeID)
	return nil
}

// OnConnect registers a bare, unauthenticated connection.
func (e *Engine) OnConnect(connID string) {
	e.logger.Debug("Connection opened", "conn", connID)
}

// OnDisconnect releases the connection's identity and removes it from every
// room. It is safe to call more than once.
func (e *Engine) OnDisconnect(ctx context.Context, connID string) {
	left := e.registry.LeaveAll(connID)

	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	e.presence.Disconnect(ctx, connID)

	e.logger.Debug("Connection closed", "conn", connID, "rooms", len(left))
}

// Login binds connID to the identity named by credential.
func (e *Engine) Login(ctx context.Context, connID, credential string) (*domain.Identity, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.presence.Login(ctx, connID, credential)
}

// Logout unbinds identityID from connID.
func (e *Engine) Logout(ctx context.Context, connID, identityID string) error {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.presence.Logout(ctx, connID, identityID)
}

// UpdateStatus sets the status of the identity bound to connID. A nil record
// with a nil error means nothing was bound.
func (e *Engine) UpdateStatus(ctx context.Context, connID, status string) (*domain.Identity, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.presence.UpdateStatus(ctx, connID, status)
}

// Identity returns the record bound to connID.
func (e *Engine) Identity(ctx context.Context, connID string) (*domain.Identity, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.sessions.Lookup(ctx, connID)
}

// JoinRoom adds connID to a room, replaying its history to connID first.
// Joining a room twice replays nothing. A connection that cannot take its
// whole history within the replay timeout is not joined.
func (e *Engine) JoinRoom(ctx context.Context, connID, roomName string) (JoinAck, error) {
	name, err := validateRoom(roomName)
	if err != nil {
		return JoinAck{}, err
	}

	readCtx, cancelRead := e.storeContext(ctx)
	defer cancelRead()
	sendCtx, cancelSend := context.WithTimeout(ctx, e.config.ReplayTimeout)
	defer cancelSend()

	replayed := 0
	joined, err := e.registry.Join(connID, name, func() (int64, error) {
		last, n, err := e.broadcaster.replay(readCtx, sendCtx, name, connID)
		replayed = n
		return last, err
	})
	if err != nil {
		return JoinAck{}, err
	}

	if joined {
		e.logger.Debug("Joined room", "room", name, "conn", connID, "history", replayed)
	}
	return JoinAck{Room: name, History: replayed}, nil
}

// LeaveRoom removes connID from a room. Leaving a room one is not in succeeds.
func (e *Engine) LeaveRoom(_ context.Context, connID, roomName string) (LeaveAck, error) {
	name, err := validateRoom(roomName)
	if err != nil {
		return LeaveAck{}, err
	}

	if e.registry.Leave(connID, name) {
		e.logger.Debug("Left room", "room", name, "conn", connID)
	}
	return LeaveAck{Room: name}, nil
}

// SendMessage appends a message to a room and publishes it to every process.
func (e *Engine) SendMessage(ctx context.Context, connID, roomName, payload string) (*domain.Message, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.broadcaster.Send(ctx, connID, roomName, payload)
}

// History returns the newest limit messages of a room, oldest first.
func (e *Engine) History(ctx context.Context, roomName string, limit int) ([]*domain.Message, error) {
	name, err := validateRoom(roomName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.log.Recent(ctx, name, limit)
}

// Rooms returns the local member count of every room with local members.
func (e *Engine) Rooms() map[string]int {
	return e.registry.Counts()
}

// RoomsOf returns the rooms connID has joined.
func (e *Engine) RoomsOf(connID string) []string {
	return e.registry.RoomsOf(connID)
}

// Ping checks the shared store.
func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.Ping(ctx)
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.StoreTimeout)
}
