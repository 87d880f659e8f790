package talk

import (
	"sort"
	"sync"

	"github.com/example/talk-gateway/modules/store"
)

// member is one local connection in a room.
type member struct {
	order uint64
	// watermark is the highest sequence replayed to this member on join; live
	// deliveries at or below it are skipped.
	watermark int64
}

// room is the process-local view of one room. Its mutex serializes joins,
// leaves, replay and delivery for the room.
type room struct {
	name string

	mu        sync.Mutex
	members   map[string]*member
	nextOrder uint64
	lastSeq   int64
	sub       store.Subscription
	closed    bool
}

// recipients returns members in join order.
func (r *room) recipients() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.members[ids[i]].order < r.members[ids[j]].order
	})
	return ids
}

// deliver runs emit for every member that has not seen seq yet. Sequences at
// or below the last delivered one are duplicates and dropped.
func (r *room) deliver(seq int64, emit func(connID string)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || seq <= r.lastSeq {
		return false
	}
	r.lastSeq = seq

	for _, id := range r.recipients() {
		if seq > r.members[id].watermark {
			emit(id)
		}
	}
	return true
}

// Subscriber opens the cross-process delivery subscription for a room.
type Subscriber func(r *room) (store.Subscription, error)

// Registry maps room names to their local member sets.
type Registry struct {
	subscribe Subscriber

	mu          sync.Mutex
	rooms       map[string]*room
	memberships map[string]map[string]struct{} // connID -> room names
}

// NewRegistry creates an empty registry. subscribe is called when a room gets
// its first local member.
func NewRegistry(subscribe Subscriber) *Registry {
	return &Registry{
		subscribe:   subscribe,
		rooms:       make(map[string]*room),
		memberships: make(map[string]map[string]struct{}),
	}
}

// withRoom runs fn with the named room locked. With create unset a missing
// room is a no-op. A room left without members is closed and dropped.
func (g *Registry) withRoom(name string, create bool, fn func(r *room) error) error {
	for {
		g.mu.Lock()
		r, ok := g.rooms[name]
		if !ok {
			if !create {
				g.mu.Unlock()
				return nil
			}
			r = &room{name: name, members: make(map[string]*member)}
			g.rooms[name] = r
		}
		g.mu.Unlock()

		r.mu.Lock()
		if r.closed {
			// Dropped between lookup and lock; look it up again.
			r.mu.Unlock()
			continue
		}

		err := fn(r)

		if len(r.members) == 0 {
			g.dropLocked(r)
		}
		r.mu.Unlock()
		return err
	}
}

// dropLocked closes an empty room. r.mu must be held.
func (g *Registry) dropLocked(r *room) {
	r.closed = true
	if r.sub != nil {
		_ = r.sub.Close()
		r.sub = nil
	}

	g.mu.Lock()
	if g.rooms[r.name] == r {
		delete(g.rooms, r.name)
	}
	g.mu.Unlock()
}

// Join adds connID to the room. replay runs under the room lock after the
// subscription is active and returns the highest sequence it delivered.
// It reports false without calling replay if connID is already a member.
func (g *Registry) Join(connID, name string, replay func() (int64, error)) (bool, error) {
	joined := false
	err := g.withRoom(name, true, func(r *room) error {
		if _, ok := r.members[connID]; ok {
			return nil
		}

		if r.sub == nil {
			sub, err := g.subscribe(r)
			if err != nil {
				return err
			}
			r.sub = sub
		}

		watermark, err := replay()
		if err != nil {
			return err
		}

		r.nextOrder++
		r.members[connID] = &member{order: r.nextOrder, watermark: watermark}
		g.track(connID, name)
		joined = true
		return nil
	})
	return joined, err
}

// Leave removes connID from the room. It reports whether it was a member.
func (g *Registry) Leave(connID, name string) bool {
	left := false
	_ = g.withRoom(name, false, func(r *room) error {
		if _, ok := r.members[connID]; ok {
			delete(r.members, connID)
			left = true
		}
		g.untrack(connID, name)
		return nil
	})
	return left
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (g *Registry) LeaveAll(connID string) []string {
	g.mu.Lock()
	names := make([]string, 0, len(g.memberships[connID]))
	for name := range g.memberships[connID] {
		names = append(names, name)
	}
	g.mu.Unlock()

	sort.Strings(names)
	left := make([]string, 0, len(names))
	for _, name := range names {
		if g.Leave(connID, name) {
			left = append(left, name)
		}
	}
	return left
}

// IsMember reports whether connID is a local member of the room.
func (g *Registry) IsMember(name, connID string) bool {
	member := false
	_ = g.withRoom(name, false, func(r *room) error {
		_, member = r.members[connID]
		return nil
	})
	return member
}

// Members returns the local members of a room in join order.
func (g *Registry) Members(name string) []string {
	var ids []string
	_ = g.withRoom(name, false, func(r *room) error {
		ids = r.recipients()
		return nil
	})
	return ids
}

// RoomsOf returns the rooms connID belongs to, sorted.
func (g *Registry) RoomsOf(connID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.memberships[connID]))
	for name := range g.memberships[connID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts returns the local member count per room.
func (g *Registry) Counts() map[string]int {
	g.mu.Lock()
	rooms := make([]*room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	counts := make(map[string]int, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.closed {
			counts[r.name] = len(r.members)
		}
		r.mu.Unlock()
	}
	return counts
}

// Close drops every room and its subscription.
func (g *Registry) Close() {
	g.mu.Lock()
	rooms := make([]*room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.memberships = make(map[string]map[string]struct{})
	g.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		if !r.closed {
			r.members = make(map[string]*member)
			g.dropLocked(r)
		}
		r.mu.Unlock()
	}
}

func (g *Registry) track(connID, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.memberships[connID] == nil {
		g.memberships[connID] = make(map[string]struct{})
	}
	g.memberships[connID][name] = struct{}{}
}

func (g *Registry) untrack(connID, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rooms, ok := g.memberships[connID]
	if !ok {
		return
	}
	delete(rooms, name)
	if len(rooms) == 0 {
		delete(g.memberships, connID)
	}
}
