package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/membership"
	"chat-relay/internal/metrics"
	"chat-relay/internal/presence"
	"chat-relay/internal/protocol"
	"chat-relay/internal/sink"
	"chat-relay/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	systemSender = "system"
	reapInterval = 5 * time.Minute
)

// Router is the authoritative fan-out hub. It validates every subscribe
// and publish against the Membership Authority, hands the operation to
// the target room's actor, and mirrors accepted events into the sink.
type Router struct {
	authority membership.Authority
	presence  *presence.Tracker
	events    sink.Sink
	rt        config.RealtimeConfig

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewRouter(authority membership.Authority, tracker *presence.Tracker, events sink.Sink, rt config.RealtimeConfig) *Router {
	if events == nil {
		events = sink.Noop{}
	}
	return &Router{
		authority: authority,
		presence:  tracker,
		events:    events,
		rt:        rt,
		rooms:     make(map[string]*room),
	}
}

// NewSession binds an upgraded connection to a session and registers it.
// The caller owns starting the pumps. A token expiry bounds the session's
// lifetime no matter how healthy the heartbeat is.
func (r *Router) NewSession(identity auth.Identity, conn *websocket.Conn) *Session {
	s := newSession(identity, conn, r, r.rt)

	metrics.SessionsActive.Inc()
	if r.presence.SessionOpened(s.UserID) {
		s.pendingOnline = true
		logger.Debug("User %s is now online", s.UserID)
	}
	if !identity.ExpiresAt.IsZero() {
		s.armAuthExpiry(identity.ExpiresAt)
	}
	logger.Info("Session %s opened for user %s", s.ID, s.UserID)
	return s
}

// Run consumes membership invalidations and reaps idle room actors until
// ctx is cancelled.
func (r *Router) Run(ctx context.Context, inval <-chan membership.Invalidation) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case inv, ok := <-inval:
			if !ok {
				inval = nil
				continue
			}
			if inv.Change == membership.ChangeJoin {
				continue
			}
			r.revoke(inv.Room, inv.UserID)

		case <-ticker.C:
			r.reapIdleRooms()
		}
	}
}

// checkAccess re-reads the authority, never a cache. NotFound wins over
// Forbidden so callers learn a room is gone rather than guessing about
// their membership in it.
func (r *Router) checkAccess(ctx context.Context, userID, roomID string) error {
	exists, err := r.authority.RoomExists(ctx, roomID)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if !exists {
		metrics.PublishRejected.WithLabelValues(protocol.CodeNotFound).Inc()
		return protocol.ErrNotFound
	}

	member, err := r.authority.IsMember(ctx, userID, roomID)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if !member {
		metrics.PublishRejected.WithLabelValues(protocol.CodeForbidden).Inc()
		return protocol.ErrForbidden
	}
	return nil
}

// Subscribe registers the session for all stream kinds of the room after
// consulting the authority. Duplicate subscribes are no-ops.
func (r *Router) Subscribe(ctx context.Context, s *Session, roomID string) error {
	if err := r.checkAccess(ctx, s.UserID, roomID); err != nil {
		return err
	}

	added := make(chan bool, 1)
	r.dispatch(roomID, func(actor *room) {
		actor.inbox <- subscribeCmd{sess: s, added: added}
	})
	if <-added {
		metrics.SubscriptionsActive.Inc()
		logger.Info("User %s subscribed to room %s (session %s)", s.UserID, roomID, s.ID)
		// The online transition became observable the moment the user has
		// a first room to be seen in; the offline counterpart fires from
		// Disconnect.
		if s.claimOnlineAnnounce() {
			r.publishPresence(roomID, s.UserID, s.Username, true)
		}
	}
	return nil
}

// Unsubscribe is immediate and unconditional. An event already fanned out
// before removal may still reach the session; clients tolerate that.
func (r *Router) Unsubscribe(s *Session, roomID string) {
	removed := make(chan bool, 1)
	if !r.dispatchExisting(roomID, func(actor *room) {
		actor.inbox <- unsubscribeCmd{sess: s, removed: removed}
	}) {
		return
	}

	if <-removed {
		metrics.SubscriptionsActive.Dec()
		r.presence.SetTyping(roomID, s.UserID, false)
		logger.Info("User %s unsubscribed from room %s (session %s)", s.UserID, roomID, s.ID)
	}
}

// Publish validates membership (re-checked on every publish; membership
// may have changed since subscribe), then hands the event to the room
// actor for sequencing and fan-out.
func (r *Router) Publish(ctx context.Context, s *Session, roomID string, kind protocol.Kind, body json.RawMessage) (protocol.Event, error) {
	if !kind.Valid() || len(body) == 0 || !json.Valid(body) {
		metrics.PublishRejected.WithLabelValues(protocol.CodeMalformedPayload).Inc()
		return protocol.Event{}, protocol.ErrMalformedPayload
	}

	if err := r.checkAccess(ctx, s.UserID, roomID); err != nil {
		return protocol.Event{}, err
	}

	if kind == protocol.KindTyping {
		r.trackTyping(roomID, s.UserID, body)
	}

	evt := r.routeEvent(roomID, publishCmd{
		senderID:   s.UserID,
		senderName: s.Username,
		kind:       kind,
		body:       body,
	})

	metrics.EventsPublished.WithLabelValues(string(kind)).Inc()
	r.events.Emit(evt)
	return evt, nil
}

// Disconnect removes the session from every room it joined. Other
// sessions of the same user are untouched; the user only goes offline
// when the last one closes. Safe to call from both the read pump and the
// auth expiry timer; only the first call does the cleanup.
func (r *Router) Disconnect(s *Session) {
	if !s.close() {
		return
	}

	rooms := s.snapshotRooms()
	for _, roomID := range rooms {
		removed := make(chan bool, 1)
		if !r.dispatchExisting(roomID, func(actor *room) {
			actor.inbox <- dropCmd{sess: s, removed: removed}
		}) {
			continue
		}
		if <-removed {
			metrics.SubscriptionsActive.Dec()
		}
		r.presence.SetTyping(roomID, s.UserID, false)
	}

	metrics.SessionsActive.Dec()
	if r.presence.SessionClosed(s.UserID) {
		for _, roomID := range rooms {
			r.publishPresence(roomID, s.UserID, s.Username, false)
		}
		logger.Debug("User %s is now offline", s.UserID)
	}
	logger.Info("Session %s closed for user %s", s.ID, s.UserID)
}

// ExpireTyping fans out the not-typing event implied by a lapsed flag.
// Wired as the presence tracker's expiry callback.
func (r *Router) ExpireTyping(roomID, userID string) {
	body, err := json.Marshal(protocol.TypingBody{RoomID: roomID, UserID: userID, IsTyping: false})
	if err != nil {
		return
	}
	evt := r.routeEvent(roomID, publishCmd{senderID: userID, kind: protocol.KindTyping, body: body})
	r.events.Emit(evt)
}

func (r *Router) publishPresence(roomID, userID, username string, online bool) {
	body, err := json.Marshal(protocol.PresenceBody{
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
		Online:   online,
	})
	if err != nil {
		return
	}
	evt := r.routeEvent(roomID, publishCmd{
		senderID:   systemSender,
		senderName: systemSender,
		kind:       protocol.KindTyping,
		body:       body,
	})
	r.events.Emit(evt)
}

// routeEvent serializes the publish through the room actor, creating the
// actor if the room has never been routed to before.
func (r *Router) routeEvent(roomID string, cmd publishCmd) protocol.Event {
	cmd.reply = make(chan protocol.Event, 1)
	r.dispatch(roomID, func(actor *room) {
		actor.inbox <- cmd
	})
	return <-cmd.reply
}

// revoke drops every session of a kicked user from the room and tells
// each of them why, without waiting for their next publish to fail.
func (r *Router) revoke(roomID, userID string) {
	reply := make(chan []*Session, 1)
	if !r.dispatchExisting(roomID, func(actor *room) {
		actor.inbox <- revokeCmd{userID: userID, reply: reply}
	}) {
		return
	}

	for _, s := range <-reply {
		metrics.SubscriptionsActive.Dec()
		s.send(protocol.ErrorFrame(roomID, protocol.ErrForbidden))
		logger.Info("Revoked room %s subscription of user %s (session %s)", roomID, userID, s.ID)
	}
	r.presence.SetTyping(roomID, userID, false)
}

// dispatch runs enqueue against the room's actor, creating it if needed.
// The router lock is held across the enqueue, so the reaper can never
// stop an actor between lookup and send. Replies are read by the caller
// after dispatch returns; inbox ordering guarantees the reply arrives
// before the reaper could observe the room idle.
func (r *Router) dispatch(roomID string, enqueue func(*room)) {
	r.mu.RLock()
	if actor, exists := r.rooms[roomID]; exists {
		enqueue(actor)
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.mu.Lock()
	actor, exists := r.rooms[roomID]
	if !exists {
		actor = newRoom(roomID)
		r.rooms[roomID] = actor
		logger.Debug("Created room actor for %s", roomID)
	}
	enqueue(actor)
	r.mu.Unlock()
}

// dispatchExisting is dispatch without actor creation; reports whether
// the room had an actor.
func (r *Router) dispatchExisting(roomID string, enqueue func(*room)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actor, exists := r.rooms[roomID]
	if !exists {
		return false
	}
	enqueue(actor)
	return true
}

// reapIdleRooms stops actors with no subscribers. Holding the write lock
// here means no operation can be enqueueing to an actor while its
// goroutine is stopped.
func (r *Router) reapIdleRooms() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID, actor := range r.rooms {
		reply := make(chan int, 1)
		actor.inbox <- countCmd{reply: reply}
		if <-reply == 0 {
			close(actor.quit)
			delete(r.rooms, roomID)
			logger.Debug("Reaped idle room actor %s", roomID)
		}
	}
}

func (r *Router) trackTyping(roomID, userID string, body json.RawMessage) {
	var t protocol.TypingBody
	if err := json.Unmarshal(body, &t); err != nil {
		return
	}
	r.presence.SetTyping(roomID, userID, t.IsTyping)
}
