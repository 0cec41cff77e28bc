// Package registry tracks live connections and their room memberships.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrAnonymous   = errors.New("registry: connection has no user identity")
	ErrUnknownConn = errors.New("registry: unknown connection")
)

// ConnID identifies one registered connection. IDs are never reused.
type ConnID uint64

// Peer is the send side of a connection. Send must not block; it reports
// false when the frame was dropped.
type Peer interface {
	Send(payload []byte) bool
}

// Member is a snapshot of one connection in a room.
type Member struct {
	ID     ConnID
	UserID string
	Peer   Peer
}

type entry struct {
	userID string
	peer   Peer
	rooms  map[string]struct{}
}

// Registry is safe for concurrent use. A single lock guards both the
// connection table and the room index so they never disagree.
type Registry struct {
	mu    sync.RWMutex
	next  atomic.Uint64
	conns map[ConnID]*entry
	rooms map[string]map[ConnID]struct{}
}

func New() *Registry {
	return &Registry{
		conns: make(map[ConnID]*entry),
		rooms: make(map[string]map[ConnID]struct{}),
	}
}

// Register adds an authenticated connection with no room memberships.
func (r *Registry) Register(peer Peer, userID string) (ConnID, error) {
	if userID == "" {
		return 0, ErrAnonymous
	}
	id := ConnID(r.next.Add(1))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &entry{userID: userID, peer: peer, rooms: make(map[string]struct{})}
	return id, nil
}

// JoinRoom adds id to roomID. Joining twice is a no-op.
func (r *Registry) JoinRoom(id ConnID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConn
	}
	e.rooms[roomID] = struct{}{}
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[ConnID]struct{})
		r.rooms[roomID] = members
	}
	members[id] = struct{}{}
	return nil
}

// LeaveRoom removes id from roomID. Leaving a room that was never joined is a
// no-op.
func (r *Registry) LeaveRoom(id ConnID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConn
	}
	delete(e.rooms, roomID)
	r.dropMember(roomID, id)
	return nil
}

// Unregister removes the connection from every room it joined. Unknown ids
// are ignored.
func (r *Registry) Unregister(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return
	}
	for roomID := range e.rooms {
		r.dropMember(roomID, id)
	}
	delete(r.conns, id)
}

// MembersOf returns a snapshot of the connections currently in roomID.
func (r *Registry) MembersOf(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]Member, 0, len(members))
	for id := range members {
		e := r.conns[id]
		out = append(out, Member{ID: id, UserID: e.userID, Peer: e.peer})
	}
	return out
}

func (r *Registry) IsMember(id ConnID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID][id]
	return ok
}

// RoomsOf lists the rooms a connection has joined.
func (r *Registry) RoomsOf(id ConnID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.rooms))
	for roomID := range e.rooms {
		out = append(out, roomID)
	}
	return out
}

// UserOf returns the identity a connection registered with.
func (r *Registry) UserOf(id ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	return e.userID, true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// dropMember must be called with mu held.
func (r *Registry) dropMember(roomID string, id ConnID) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}
