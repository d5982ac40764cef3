package presence

import (
	"context"
	"sync"
	"time"
)

type typingKey struct {
	room string
	user string
}

// ExpireFunc is invoked when a typing flag lapses without a refresh, so
// the hub can fan out the implied not-typing event.
type ExpireFunc func(roomID, userID string)

// Tracker holds ephemeral per-room typing flags and per-user online
// state. Everything here is derived from live traffic and safe to lose
// on restart.
type Tracker struct {
	mu       sync.Mutex
	typing   map[typingKey]time.Time // deadline after which the flag lapses
	sessions map[string]int          // userID -> open session count
	lastSeen map[string]time.Time
	ttl      time.Duration
	onExpire ExpireFunc
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		typing:   make(map[typingKey]time.Time),
		sessions: make(map[string]int),
		lastSeen: make(map[string]time.Time),
		ttl:      ttl,
	}
}

// OnExpire registers the lapse callback. Must be set before Run.
func (t *Tracker) OnExpire(fn ExpireFunc) {
	t.onExpire = fn
}

// Run sweeps lapsed typing flags until ctx is cancelled. A crashed client
// can therefore never leave a permanent typing indicator behind.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.ttl / 2
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	var lapsed []typingKey

	t.mu.Lock()
	for key, deadline := range t.typing {
		if now.After(deadline) {
			delete(t.typing, key)
			lapsed = append(lapsed, key)
		}
	}
	t.mu.Unlock()

	if t.onExpire == nil {
		return
	}
	for _, key := range lapsed {
		t.onExpire(key.room, key.user)
	}
}

func (t *Tracker) SetTyping(roomID, userID string, isTyping bool) {
	key := typingKey{room: roomID, user: userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if isTyping {
		t.typing[key] = time.Now().Add(t.ttl)
	} else {
		delete(t.typing, key)
	}
}

func (t *Tracker) IsTyping(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.typing[typingKey{room: roomID, user: userID}]
	return ok && time.Now().Before(deadline)
}

// SessionOpened counts a new session for the user and reports whether
// this took them from offline to online (first device).
func (t *Tracker) SessionOpened(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[userID]++
	return t.sessions[userID] == 1
}

// SessionClosed reports whether the user went offline (last device).
func (t *Tracker) SessionClosed(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastSeen[userID] = time.Now()
	if t.sessions[userID] <= 1 {
		delete(t.sessions, userID)
		return true
	}
	t.sessions[userID]--
	return false
}

func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[userID] > 0
}

func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.lastSeen[userID]
	return at, ok
}
