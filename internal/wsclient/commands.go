package wsclient

import (
	"encoding/json"

	"chat-relay/internal/protocol"
)

// SubscribeRoom records intent for all stream kinds of the room and, if a
// session is open, issues the subscribe immediately. Without a session
// the intent is queued and flushed on the next successful Connect.
// Subscribing an already-subscribed room is a no-op.
func (c *Client) SubscribeRoom(roomID string, obs RoomObserver) {
	if !c.registry.add(roomID, obs) {
		return
	}
	// ErrNotConnected just means the intent waits for the next connect.
	c.enqueue(protocol.Frame{Op: protocol.OpSubscribe, Room: roomID})
}

// UnsubscribeRoom removes intent and dispatch callbacks unconditionally;
// the wire unsubscribe is best-effort.
func (c *Client) UnsubscribeRoom(roomID string) {
	if !c.registry.remove(roomID) {
		return
	}
	c.enqueue(protocol.Frame{Op: protocol.OpUnsubscribe, Room: roomID})
}

// Subscriptions returns the rooms currently recorded as intent.
func (c *Client) Subscriptions() []string {
	return c.registry.intentRooms()
}

func (c *Client) publish(op protocol.Op, roomID string, body any) error {
	var raw json.RawMessage
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = encoded
	}
	return c.enqueue(protocol.Frame{Op: op, Room: roomID, Body: raw})
}

func (c *Client) SendMessage(roomID, content string) error {
	return c.publish(protocol.OpSendMessage, roomID, protocol.MessageBody{RoomID: roomID, Content: content})
}

func (c *Client) SendTyping(roomID string, isTyping bool) error {
	return c.publish(protocol.OpSendTyping, roomID, protocol.TypingBody{RoomID: roomID, IsTyping: isTyping})
}

func (c *Client) EditMessage(roomID, messageID, newText string) error {
	return c.publish(protocol.OpEditMessage, roomID, protocol.EditBody{MessageID: messageID, NewText: newText})
}

func (c *Client) DeleteMessage(roomID, messageID string) error {
	return c.publish(protocol.OpDeleteMessage, roomID, protocol.DeleteBody{MessageID: messageID})
}

func (c *Client) JoinRoom(roomID string) error {
	return c.publish(protocol.OpJoinRoom, roomID, nil)
}

func (c *Client) LeaveRoom(roomID string) error {
	return c.publish(protocol.OpLeaveRoom, roomID, nil)
}

func (c *Client) StartVideoCall(roomID, callID string) error {
	return c.publish(protocol.OpStartVideoCall, roomID, protocol.VideoBody{RoomID: roomID, CallID: callID, Action: "start"})
}

func (c *Client) EndVideoCall(roomID, callID string) error {
	return c.publish(protocol.OpEndVideoCall, roomID, protocol.VideoBody{RoomID: roomID, CallID: callID, Action: "end"})
}
