package protocol

import (
	"encoding/json"
	"time"
)

// Event is an immutable routed payload. Seq is assigned by the router and
// is monotonic per (room, kind); ID is globally unique across all rooms.
// Fan-out subscribers all see the same Event bytes.
type Event struct {
	ID         string          `json:"id"`
	Room       string          `json:"roomId"`
	Kind       Kind            `json:"kind"`
	Seq        uint64          `json:"seq"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName,omitempty"`
	Body       json.RawMessage `json:"body"`
	At         time.Time       `json:"at"`
}

// Wire body shapes. These mirror the REST representations of the same
// resources so the real-time and REST paths stay interchangeable.

type MessageBody struct {
	MessageID  string `json:"messageId,omitempty"`
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content"`
	Edited     bool   `json:"edited,omitempty"`
	System     bool   `json:"system,omitempty"`
}

type TypingBody struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type EditBody struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type DeleteBody struct {
	MessageID string `json:"messageId"`
}

type VideoBody struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
	CallID string `json:"callId,omitempty"`
	Action string `json:"action"`
}

// PresenceBody rides the typing channel for online/offline transitions.
type PresenceBody struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Online   bool   `json:"online"`
}
