package wsclient

import (
	"sync"

	"chat-relay/internal/protocol"
	"chat-relay/pkg/logger"
)

// RoomObserver receives the events of one subscribed room, one method per
// stream kind. Dispatch is statically typed; there are no optional
// callbacks to check for at runtime.
type RoomObserver interface {
	OnMessage(evt protocol.Event)
	OnTyping(evt protocol.Event)
	OnEdit(evt protocol.Event)
	OnDelete(evt protocol.Event)
	OnVideoSignal(evt protocol.Event)
}

type intent struct {
	observer RoomObserver
	// Highest message seq seen, used to bound history reconciliation
	// after a reconnect.
	lastMessageSeq uint64
}

// registry is the idempotent record of subscribe intent. The intent set,
// not the history of calls, is what gets replayed on reconnect.
type registry struct {
	mu      sync.Mutex
	intents map[string]*intent
}

func newRegistry() *registry {
	return &registry{intents: make(map[string]*intent)}
}

// add records intent for the room; duplicate calls are no-ops and keep
// the original observer.
func (r *registry) add(roomID string, obs RoomObserver) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.intents[roomID]; exists {
		return false
	}
	r.intents[roomID] = &intent{observer: obs}
	return true
}

// remove drops intent and the dispatch callbacks, regardless of whether
// the network unsubscribe ever succeeds.
func (r *registry) remove(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.intents[roomID]; !exists {
		return false
	}
	delete(r.intents, roomID)
	return true
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = make(map[string]*intent)
}

func (r *registry) intentRooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.intents))
	for roomID := range r.intents {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (r *registry) lastMessageSeq(roomID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, exists := r.intents[roomID]; exists {
		return in.lastMessageSeq
	}
	return 0
}

// replay re-issues a subscribe for every recorded intent. Called after
// each successful connect so server state converges to the intent set.
func (r *registry) replay(send func(protocol.Frame) error) {
	for _, roomID := range r.intentRooms() {
		if err := send(protocol.Frame{Op: protocol.OpSubscribe, Room: roomID}); err != nil {
			logger.Warn("Cannot replay subscription to room %s: %v", roomID, err)
			return
		}
	}
}

// dispatch routes one incoming event to the observer registered for its
// room, by stream kind. Events for unknown rooms or kinds are dropped and
// logged; they can never take the dispatch loop down.
func (r *registry) dispatch(evt protocol.Event) {
	r.mu.Lock()
	in, exists := r.intents[evt.Room]
	if exists && evt.Kind == protocol.KindMessage && evt.Seq > in.lastMessageSeq {
		in.lastMessageSeq = evt.Seq
	}
	r.mu.Unlock()

	if !exists {
		logger.Debug("Dropping event for unsubscribed room %s", evt.Room)
		return
	}

	switch evt.Kind {
	case protocol.KindMessage:
		in.observer.OnMessage(evt)
	case protocol.KindTyping:
		in.observer.OnTyping(evt)
	case protocol.KindEdit:
		in.observer.OnEdit(evt)
	case protocol.KindDelete:
		in.observer.OnDelete(evt)
	case protocol.KindVideo:
		in.observer.OnVideoSignal(evt)
	default:
		logger.Debug("Dropping event of unknown kind %q for room %s", evt.Kind, evt.Room)
	}
}
