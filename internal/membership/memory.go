package membership

import (
	"context"
	"sync"
)

// Memory is an in-process Authority for tests and single-node setups.
// Grant and Revoke double as the invalidation source.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]map[string]bool // roomID -> userID -> isAdmin
	inval chan Invalidation
}

func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]map[string]bool),
		inval: make(chan Invalidation, 64),
	}
}

func (m *Memory) AddRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[roomID]; !exists {
		m.rooms[roomID] = make(map[string]bool)
	}
}

func (m *Memory) Grant(roomID, userID string, admin bool) {
	m.mu.Lock()
	members, exists := m.rooms[roomID]
	if !exists {
		members = make(map[string]bool)
		m.rooms[roomID] = members
	}
	members[userID] = admin
	m.mu.Unlock()

	m.notify(Invalidation{Room: roomID, UserID: userID, Change: ChangeJoin})
}

// Revoke removes the user from the room, announcing a kick.
func (m *Memory) Revoke(roomID, userID string) {
	m.mu.Lock()
	if members, exists := m.rooms[roomID]; exists {
		delete(members, userID)
	}
	m.mu.Unlock()

	m.notify(Invalidation{Room: roomID, UserID: userID, Change: ChangeKick})
}

func (m *Memory) RoomExists(_ context.Context, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.rooms[roomID]
	return exists, nil
}

func (m *Memory) IsMember(_ context.Context, userID, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, exists := m.rooms[roomID]
	if !exists {
		return false, nil
	}
	_, member := members[userID]
	return member, nil
}

func (m *Memory) IsAdmin(_ context.Context, userID, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, exists := m.rooms[roomID]
	if !exists {
		return false, nil
	}
	return members[userID], nil
}

func (m *Memory) Invalidations() <-chan Invalidation {
	return m.inval
}

func (m *Memory) notify(inv Invalidation) {
	select {
	case m.inval <- inv:
	default:
		// Listener is behind; the next membership check still reflects
		// the change, so dropping the notification is safe.
	}
}
