package protocol

import "encoding/json"

// Op names one wire command. Client ops carry subscribe intent or a
// publish; server ops carry handshake, confirmations, errors and events.
type Op string

const (
	// Client -> server.
	OpSubscribe      Op = "subscribe"
	OpUnsubscribe    Op = "unsubscribe"
	OpSendMessage    Op = "send-message"
	OpSendTyping     Op = "send-typing"
	OpEditMessage    Op = "edit-message"
	OpDeleteMessage  Op = "delete-message"
	OpJoinRoom       Op = "join-room"
	OpLeaveRoom      Op = "leave-room"
	OpStartVideoCall Op = "start-video-call"
	OpEndVideoCall   Op = "end-video-call"

	// Server -> client.
	OpConnected Op = "connected"
	OpAck       Op = "ack"
	OpError     Op = "error"
	OpEvent     Op = "event"
)

// PublishKind maps a publish op to the stream kind its event is routed on.
// Join/leave produce system messages on the room's message stream.
func (op Op) PublishKind() (Kind, bool) {
	switch op {
	case OpSendMessage, OpJoinRoom, OpLeaveRoom:
		return KindMessage, true
	case OpSendTyping:
		return KindTyping, true
	case OpEditMessage:
		return KindEdit, true
	case OpDeleteMessage:
		return KindDelete, true
	case OpStartVideoCall, OpEndVideoCall:
		return KindVideo, true
	}
	return "", false
}

// Frame is the single envelope exchanged over the socket in both
// directions. Which fields are set depends on Op.
type Frame struct {
	Op      Op              `json:"op"`
	Room    string          `json:"room,omitempty"`
	Session string          `json:"session,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Code    string          `json:"code,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// ErrorFrame builds a request-scoped error frame for the given room.
func ErrorFrame(room string, err error) Frame {
	return Frame{
		Op:     OpError,
		Room:   room,
		Code:   ErrorCode(err),
		Reason: err.Error(),
	}
}
