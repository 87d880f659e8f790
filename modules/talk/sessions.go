package talk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/example/talk-gateway/modules/store"
)

// keyspace builds store keys under a common prefix.
type keyspace struct {
	prefix string
}

func (k keyspace) session(connID string) string     { return k.prefix + "session:" + connID }
func (k keyspace) identity(identityID string) string { return k.prefix + "identity:" + identityID }
func (k keyspace) messages(room string) string       { return k.prefix + "messages:" + room }
func (k keyspace) sequence(room string) string       { return k.prefix + "seq:" + room }
func (k keyspace) roomChannel(room string) string    { return k.prefix + "room:" + room }
func (k keyspace) presenceChannel() string           { return k.prefix + "presence" }

// SessionStore maps connection ids to identity records in the shared store.
// A reverse index identity -> connection enforces the single-binding rule.
type SessionStore struct {
	kv   store.KV
	keys keyspace
}

// NewSessionStore creates a session store with the given key prefix.
func NewSessionStore(kv store.KV, prefix string) *SessionStore {
	return &SessionStore{kv: kv, keys: keyspace{prefix: prefix}}
}

// maxBindAttempts bounds the claim loop when other processes keep moving
// the same identity.
const maxBindAttempts = 8

// Lookup returns the record bound to connID or ErrNotFound.
func (s *SessionStore) Lookup(ctx context.Context, connID string) (*domain.Identity, error) {
	ident, _, err := s.lookupRaw(ctx, connID)
	return ident, err
}

// lookupRaw returns the record and its stored bytes for a later compare-and-swap.
func (s *SessionStore) lookupRaw(ctx context.Context, connID string) (*domain.Identity, []byte, error) {
	data, err := s.kv.Get(ctx, s.keys.session(connID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, unavailable(err)
	}
	ident, err := decodeIdentity(data)
	if err != nil {
		return nil, nil, err
	}
	return ident, data, nil
}

// BoundConnection returns the connection currently bound to identityID.
func (s *SessionStore) BoundConnection(ctx context.Context, identityID string) (string, error) {
	data, err := s.kv.Get(ctx, s.keys.identity(identityID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", unavailable(err)
	}
	return string(data), nil
}

// Bind writes the record and claims the identity index for its connection.
// The index is only moved with compare-and-swap, so concurrent logins across
// processes settle on one connection. A live binding on another connection
// is evicted when evict is set and reported as ErrDuplicateBinding otherwise.
// Bind returns the evicted connection, if any.
func (s *SessionStore) Bind(ctx context.Context, ident *domain.Identity, evict bool) (string, error) {
	data, err := encodeIdentity(ident)
	if err != nil {
		return "", err
	}
	if err := s.kv.Set(ctx, s.keys.session(ident.ConnectionID), data); err != nil {
		return "", unavailable(err)
	}

	indexKey := s.keys.identity(ident.ID)
	self := []byte(ident.ConnectionID)

	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		claimed, err := s.kv.CompareAndSwap(ctx, indexKey, nil, self)
		if err != nil {
			return "", unavailable(err)
		}
		if claimed {
			return "", nil
		}

		bound, err := s.BoundConnection(ctx, ident.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case err != nil:
			return "", err
		case bound == ident.ConnectionID:
			return "", nil
		}

		prior, priorRaw, err := s.lookupRaw(ctx, bound)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
		live := err == nil && prior.ID == ident.ID

		if live {
			if !evict {
				s.discard(ctx, ident.ConnectionID, data)
				return "", fmt.Errorf("%w: %s", ErrDuplicateBinding, ident.ID)
			}
			// Evict only the exact record we saw; a concurrent change retries.
			ok, err := s.kv.CompareAndSwap(ctx, s.keys.session(bound), priorRaw, nil)
			if err != nil {
				return "", unavailable(err)
			}
			if !ok {
				continue
			}
		}

		moved, err := s.kv.CompareAndSwap(ctx, indexKey, []byte(bound), self)
		if err != nil {
			return "", unavailable(err)
		}
		if moved {
			if live {
				return bound, nil
			}
			return "", nil
		}
	}

	s.discard(ctx, ident.ConnectionID, data)
	return "", fmt.Errorf("%w: %s is contended", ErrDuplicateBinding, ident.ID)
}

// discard removes a record this connection wrote but could not bind.
func (s *SessionStore) discard(ctx context.Context, connID string, data []byte) {
	_, _ = s.kv.CompareAndSwap(ctx, s.keys.session(connID), data, nil)
}

// Update rewrites the record of connID through fn, only if the stored record
// is unchanged since it was read. It returns ErrNotFound when connID holds no
// record, including when another process evicted it meanwhile.
func (s *SessionStore) Update(ctx context.Context, connID string, fn func(*domain.Identity)) (*domain.Identity, error) {
	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		ident, raw, err := s.lookupRaw(ctx, connID)
		if err != nil {
			return nil, err
		}

		fn(ident)
		data, err := encodeIdentity(ident)
		if err != nil {
			return nil, err
		}

		ok, err := s.kv.CompareAndSwap(ctx, s.keys.session(connID), raw, data)
		if err != nil {
			return nil, unavailable(err)
		}
		if ok {
			return ident, nil
		}
	}
	return nil, unavailable(fmt.Errorf("session %s is contended", connID))
}

// Release removes the record for connID and returns it. Exactly one of
// several concurrent callers gets the record; the rest get ErrNotFound.
func (s *SessionStore) Release(ctx context.Context, connID string) (*domain.Identity, error) {
	data, err := s.kv.Take(ctx, s.keys.session(connID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}

	ident, err := decodeIdentity(data)
	if err != nil {
		return nil, err
	}
	// Clear the index only if it still points at connID, so a newer binding
	// on another connection survives.
	if _, err := s.kv.CompareAndSwap(ctx, s.keys.identity(ident.ID), []byte(connID), nil); err != nil {
		return ident, unavailable(err)
	}
	return ident, nil
}

func encodeIdentity(ident *domain.Identity) ([]byte, error) {
	data, err := json.Marshal(ident)
	if err != nil {
		return nil, fmt.Errorf("encode identity %s: %w", ident.ID, err)
	}
	return data, nil
}

func decodeIdentity(data []byte) (*domain.Identity, error) {
	var ident domain.Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return nil, fmt.Errorf("decode identity record: %w", err)
	}
	return &ident, nil
}
