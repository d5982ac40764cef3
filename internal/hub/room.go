package hub

import (
	"encoding/json"
	"time"

	"chat-relay/internal/metrics"
	"chat-relay/internal/protocol"
	"chat-relay/pkg/logger"

	"github.com/oklog/ulid/v2"
)

// room is the per-room actor. One goroutine owns the subscriber sets and
// the per-kind sequence counters, so subscriber-set mutation and sequence
// assignment are serialized per room while rooms stay fully parallel.
type room struct {
	id    string
	inbox chan command
	quit  chan struct{}

	subs map[protocol.Kind]map[*Session]struct{}
	seq  map[protocol.Kind]uint64
}

type command interface{ isCommand() }

type subscribeCmd struct {
	sess  *Session
	added chan bool
}

type unsubscribeCmd struct {
	sess    *Session
	removed chan bool
}

type publishCmd struct {
	senderID   string
	senderName string
	kind       protocol.Kind
	body       json.RawMessage
	reply      chan protocol.Event
}

type dropCmd struct {
	sess    *Session
	removed chan bool
}

type revokeCmd struct {
	userID string
	reply  chan []*Session
}

type countCmd struct {
	reply chan int
}

func (subscribeCmd) isCommand()   {}
func (unsubscribeCmd) isCommand() {}
func (publishCmd) isCommand()     {}
func (dropCmd) isCommand()        {}
func (revokeCmd) isCommand()      {}
func (countCmd) isCommand()       {}

func newRoom(id string) *room {
	r := &room{
		id:    id,
		inbox: make(chan command, 32),
		quit:  make(chan struct{}),
		subs:  make(map[protocol.Kind]map[*Session]struct{}, len(protocol.Kinds)),
		seq:   make(map[protocol.Kind]uint64, len(protocol.Kinds)),
	}
	for _, kind := range protocol.Kinds {
		r.subs[kind] = make(map[*Session]struct{})
	}

	go r.run()
	return r
}

func (r *room) run() {
	for {
		select {
		case <-r.quit:
			return

		case cmd := <-r.inbox:
			switch c := cmd.(type) {
			case subscribeCmd:
				c.added <- r.subscribe(c.sess)
			case unsubscribeCmd:
				c.removed <- r.remove(c.sess)
			case publishCmd:
				c.reply <- r.publish(c)
			case dropCmd:
				c.removed <- r.remove(c.sess)
			case revokeCmd:
				c.reply <- r.revoke(c.userID)
			case countCmd:
				c.reply <- len(r.subs[protocol.KindMessage])
			}
		}
	}
}

// subscribe registers the session for every stream kind of the room.
// Re-subscribing is a no-op, which makes client replay after reconnect
// idempotent.
func (r *room) subscribe(s *Session) bool {
	if _, exists := r.subs[protocol.KindMessage][s]; exists {
		return false
	}
	for _, kind := range protocol.Kinds {
		r.subs[kind][s] = struct{}{}
	}
	s.joinedRoom(r.id)
	return true
}

func (r *room) remove(s *Session) bool {
	if _, exists := r.subs[protocol.KindMessage][s]; !exists {
		return false
	}
	for _, kind := range protocol.Kinds {
		delete(r.subs[kind], s)
	}
	s.leftRoom(r.id)
	return true
}

// revoke removes every session of the given user and returns them so the
// router can notify each one.
func (r *room) revoke(userID string) []*Session {
	var removed []*Session
	for s := range r.subs[protocol.KindMessage] {
		if s.UserID == userID {
			removed = append(removed, s)
		}
	}
	for _, s := range removed {
		r.remove(s)
	}
	return removed
}

// publish assigns the next sequence number for the (room, kind) stream
// and fans the event out to every current subscriber. All subscribers see
// the same event bytes, hence the same relative order. Slow consumers are
// dropped from the room rather than allowed to stall everyone else.
func (r *room) publish(c publishCmd) protocol.Event {
	r.seq[c.kind]++
	evt := protocol.Event{
		ID:         ulid.Make().String(),
		Room:       r.id,
		Kind:       c.kind,
		Seq:        r.seq[c.kind],
		SenderID:   c.senderID,
		SenderName: c.senderName,
		Body:       c.body,
		At:         time.Now().UTC(),
	}

	raw, err := json.Marshal(protocol.Frame{Op: protocol.OpEvent, Event: &evt})
	if err != nil {
		logger.Error("Cannot encode event for room %s: %v", r.id, err)
		return evt
	}

	var dead []*Session
	for s := range r.subs[c.kind] {
		// Typing indicators are not echoed back to the sender's own
		// devices; everything else includes the sender for multi-device
		// consistency.
		if c.kind == protocol.KindTyping && s.UserID == c.senderID {
			continue
		}
		if s.deliver(raw) {
			metrics.FanoutDeliveries.Inc()
		} else {
			dead = append(dead, s)
		}
	}

	for _, s := range dead {
		r.remove(s)
		metrics.SlowConsumerDrops.Inc()
		logger.Warn("Dropped slow consumer %s from room %s", s.ID, r.id)
	}

	return evt
}
