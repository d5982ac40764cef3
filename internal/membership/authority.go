package membership

import "context"

// Change classifies a membership mutation.
type Change string

const (
	ChangeJoin  Change = "join"
	ChangeLeave Change = "leave"
	ChangeKick  Change = "kick"
)

// Invalidation announces that a (room, user) membership changed. The
// router consumes these to drop now-invalid subscriptions immediately
// instead of waiting for the next publish to reject them.
type Invalidation struct {
	Room   string `json:"roomId"`
	UserID string `json:"userId"`
	Change Change `json:"change"`
}

// Authority is the source of truth for who may subscribe to a room.
// Results are fetched per request and never cached by callers, so a
// leave or kick takes effect on the very next check.
type Authority interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
	IsAdmin(ctx context.Context, userID, roomID string) (bool, error)
}

// Watcher surfaces membership invalidations as they happen.
type Watcher interface {
	Invalidations() <-chan Invalidation
}
