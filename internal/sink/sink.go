// Package sink forwards routed events to out-of-process consumers, so a
// REST-facing recent-activity read model can stay warm without holding a
// live WebSocket connection.
package sink

import "chat-relay/internal/protocol"

// Sink receives a copy of every event the router fans out. Emit must be
// best-effort and non-blocking: a broken sink never stalls delivery to
// live subscribers.
type Sink interface {
	Emit(evt protocol.Event)
}

// Noop discards all events. Used when no broker is configured.
type Noop struct{}

func (Noop) Emit(protocol.Event) {}
