package protocol

import (
	"fmt"
	"strings"
)

// Kind identifies one logical event stream within a room.
type Kind string

const (
	KindMessage Kind = "message"
	KindTyping  Kind = "typing"
	KindEdit    Kind = "edit"
	KindDelete  Kind = "delete"
	KindVideo   Kind = "video"
)

// Kinds lists every stream kind a room exposes, in the order subscriptions
// are registered.
var Kinds = []Kind{KindMessage, KindTyping, KindEdit, KindDelete, KindVideo}

func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindTyping, KindEdit, KindDelete, KindVideo:
		return true
	}
	return false
}

// Channel is the addressable name of one event stream: a room plus a kind.
// Channels are names, not entities; nothing about them is persisted.
type Channel struct {
	Room string
	Kind Kind
}

// Address renders the stable wire identifier for the channel:
// "room/{roomId}" for the message stream, "room/{roomId}/{kind}" otherwise.
func (c Channel) Address() string {
	if c.Kind == KindMessage {
		return "room/" + c.Room
	}
	return fmt.Sprintf("room/%s/%s", c.Room, c.Kind)
}

// ParseAddress is the inverse of Address.
func ParseAddress(addr string) (Channel, error) {
	parts := strings.Split(addr, "/")
	if len(parts) < 2 || parts[0] != "room" || parts[1] == "" {
		return Channel{}, fmt.Errorf("invalid channel address %q", addr)
	}

	switch len(parts) {
	case 2:
		return Channel{Room: parts[1], Kind: KindMessage}, nil
	case 3:
		kind := Kind(parts[2])
		if !kind.Valid() || kind == KindMessage {
			return Channel{}, fmt.Errorf("invalid stream kind in address %q", addr)
		}
		return Channel{Room: parts[1], Kind: kind}, nil
	}
	return Channel{}, fmt.Errorf("invalid channel address %q", addr)
}
