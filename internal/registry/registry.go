// Package registry tracks which agent serves which room. It enforces two
// exclusivity rules under one lock: a room has at most one active session,
// and an agent serves at most one room at a time.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRoomOccupied is returned by TryAcquire when the room already has an
	// active session.
	ErrRoomOccupied = errors.New("registry: room already has an active session")

	// ErrAgentBusy is returned by TryAcquire when the agent is already serving
	// a different room.
	ErrAgentBusy = errors.New("registry: agent is already serving another room")
)

// Assignment describes an active room-to-agent binding.
type Assignment struct {
	// RoomID identifies the room.
	RoomID string

	// AgentID is the agent bound to the room.
	AgentID string

	// SessionID uniquely identifies this session instance. A new session in
	// the same room gets a new SessionID.
	SessionID string

	// AcquiredAt is when the assignment was created.
	AcquiredAt time.Time
}

// Registry is the process-wide room/agent assignment table. Safe for
// concurrent use; both indexes mutate under one mutex so they can never
// disagree.
type Registry struct {
	mu      sync.Mutex
	byRoom  map[string]*Assignment
	byAgent map[string]*Assignment
	now     func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byRoom:  make(map[string]*Assignment),
		byAgent: make(map[string]*Assignment),
		now:     time.Now,
	}
}

// TryAcquire atomically claims roomID for agentID. On success it returns the
// new assignment with a fresh session ID. It fails with [ErrRoomOccupied] or
// [ErrAgentBusy] without modifying anything.
func (r *Registry) TryAcquire(roomID, agentID string) (*Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byRoom[roomID]; ok {
		return nil, ErrRoomOccupied
	}
	if _, ok := r.byAgent[agentID]; ok {
		return nil, ErrAgentBusy
	}

	a := &Assignment{
		RoomID:     roomID,
		AgentID:    agentID,
		SessionID:  uuid.NewString(),
		AcquiredAt: r.now(),
	}
	r.byRoom[roomID] = a
	r.byAgent[agentID] = a
	return a, nil
}

// Release removes the assignment identified by sessionID. Releasing a stale
// session ID is a no-op: a newer session in the same room is not disturbed.
func (r *Registry) Release(roomID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byRoom[roomID]
	if !ok || a.SessionID != sessionID {
		return
	}
	delete(r.byRoom, roomID)
	delete(r.byAgent, a.AgentID)
}

// Lookup returns the active assignment for roomID, or nil.
func (r *Registry) Lookup(roomID string) *Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byRoom[roomID]
}

// LookupAgent returns the active assignment for agentID, or nil.
func (r *Registry) LookupAgent(agentID string) *Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byAgent[agentID]
}

// Len reports the number of active assignments.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRoom)
}
