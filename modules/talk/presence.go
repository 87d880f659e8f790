package talk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/example/talk-gateway/modules/store"
	"github.com/go-monolith/mono/pkg/types"
)

// MaxStatusLength bounds custom statuses.
const MaxStatusLength = 64

// LoginPolicy decides what happens when an identity logs in while bound to
// another connection.
type LoginPolicy string

const (
	// PolicyOverwrite moves the binding to the new connection.
	PolicyOverwrite LoginPolicy = "overwrite"
	// PolicyReject refuses the second login with ErrDuplicateBinding.
	PolicyReject LoginPolicy = "reject"
)

// ParseLoginPolicy parses a policy name.
func ParseLoginPolicy(s string) (LoginPolicy, error) {
	switch p := LoginPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyOverwrite, PolicyReject:
		return p, nil
	case "":
		return PolicyOverwrite, nil
	default:
		return "", fmt.Errorf("unknown login policy %q", s)
	}
}

// presenceEnvelope is what travels on the presence channel.
type presenceEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Presence is the login/logout/status state machine.
type Presence struct {
	sessions *SessionStore
	pubsub   store.PubSub
	channel  string
	resolver IdentityResolver
	policy   LoginPolicy
	observer func() Observer
	logger   types.Logger
	now      func() time.Time
}

// Login binds connID to the identity resolved from credential and announces
// it online to every connection.
func (p *Presence) Login(ctx context.Context, connID, credential string) (*domain.Identity, error) {
	identityID, err := p.resolver.Resolve(credential)
	if err != nil {
		return nil, err
	}

	// A connection carries one identity; switching identities releases the old one.
	current, err := p.sessions.Lookup(ctx, connID)
	switch {
	case err == nil && current.ID != identityID:
		if released, err := p.sessions.Release(ctx, connID); err == nil {
			p.announce(ctx, EventClientInfo, domain.PresenceChange{Status: domain.StatusOffline, ID: released.ID}, released)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, err
	}

	ident := &domain.Identity{
		ID:           identityID,
		Status:       domain.StatusOnline,
		ConnectionID: connID,
		UpdatedAt:    p.now(),
	}
	evicted, err := p.sessions.Bind(ctx, ident, p.policy == PolicyOverwrite)
	if err != nil {
		return nil, err
	}
	if evicted != "" {
		p.logger.Info("Identity binding moved", "identity", identityID, "from", evicted, "to", connID)
	}

	p.logger.Info("Identity logged in", "identity", identityID, "conn", connID)
	p.announce(ctx, EventClientInfo, domain.PresenceChange{Status: domain.StatusOnline, ID: identityID}, ident)
	return ident, nil
}

// Logout unbinds identityID from connID and announces it offline. Logging out
// a connection with no binding is a no-op.
func (p *Presence) Logout(ctx context.Context, connID, identityID string) error {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return fmt.Errorf("%w: identity is required", ErrNotFound)
	}

	current, err := p.sessions.Lookup(ctx, connID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if current.ID != identityID {
		return fmt.Errorf("%w: identity %s is not bound to this connection", ErrNotFound, identityID)
	}

	released, err := p.sessions.Release(ctx, connID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	p.logger.Info("Identity logged out", "identity", released.ID, "conn", connID)
	p.announce(ctx, EventClientInfo, domain.PresenceChange{Status: domain.StatusOffline, ID: released.ID}, released)
	return nil
}

// UpdateStatus overwrites the status of the identity bound to connID and
// announces the record. It returns nil without error if nothing is bound.
func (p *Presence) UpdateStatus(ctx context.Context, connID, status string) (*domain.Identity, error) {
	status = strings.TrimSpace(status)
	if status == "" {
		return nil, fmt.Errorf("%w: status is required", ErrNotFound)
	}
	if len(status) > MaxStatusLength || !utf8.ValidString(status) {
		return nil, fmt.Errorf("%w: status is too long or not valid UTF-8", ErrInvalidPayload)
	}

	// The write only lands on the record that was read, so a binding evicted
	// by another process is not brought back.
	ident, err := p.sessions.Update(ctx, connID, func(ident *domain.Identity) {
		ident.Status = status
		ident.UpdatedAt = p.now()
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	p.logger.Debug("Status updated", "identity", ident.ID, "status", status)
	p.announce(ctx, EventUpdateInfo, ident, ident)
	return ident, nil
}

// Disconnect releases whatever identity connID holds.
func (p *Presence) Disconnect(ctx context.Context, connID string) {
	released, err := p.sessions.Release(ctx, connID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		p.logger.Warn("Failed to release session on disconnect", "conn", connID, "error", err)
	}
	if released == nil {
		return
	}

	p.logger.Info("Identity disconnected", "identity", released.ID, "conn", connID)
	p.announce(ctx, EventClientInfo, domain.PresenceChange{Status: domain.StatusOffline, ID: released.ID}, released)
}

// announce publishes a presence event on the shared channel. Failures are
// logged and swallowed.
func (p *Presence) announce(ctx context.Context, event string, body any, ident *domain.Identity) {
	status := ident.Status
	if event == EventClientInfo {
		status = body.(domain.PresenceChange).Status
	}
	p.observer().PresenceChanged(domain.Identity{
		ID:           ident.ID,
		Status:       status,
		ConnectionID: ident.ConnectionID,
		UpdatedAt:    ident.UpdatedAt,
	})

	data, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("Failed to encode presence event", "event", event, "error", err)
		return
	}
	envelope, err := json.Marshal(presenceEnvelope{Event: event, Data: data})
	if err != nil {
		p.logger.Error("Failed to encode presence envelope", "event", event, "error", err)
		return
	}
	if err := p.pubsub.Publish(ctx, p.channel, envelope); err != nil {
		p.logger.Warn("Failed to publish presence event", "event", event, "identity", ident.ID, "error", err)
	}
}

// subscribe relays presence events from every process to local connections.
func (p *Presence) subscribe(ctx context.Context, transport Transport) (store.Subscription, error) {
	return p.pubsub.Subscribe(ctx, p.channel, func(payload []byte) {
		var envelope presenceEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			p.logger.Warn("Dropping malformed presence event", "error", err)
			return
		}
		transport.Broadcast(envelope.Event, envelope.Data)
	})
}
