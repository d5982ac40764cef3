package membership

import (
	"context"
	"encoding/json"
	"time"

	"chat-relay/pkg/logger"

	"github.com/jackc/pgx/v5"
)

// notifyChannel is the Postgres NOTIFY channel the storage service fires
// on every room_members mutation. The payload is a JSON Invalidation.
const notifyChannel = "room_membership"

// PgWatcher turns Postgres LISTEN/NOTIFY traffic into Invalidations.
// It holds a dedicated connection; pooled connections cannot LISTEN.
type PgWatcher struct {
	databaseURL string
	inval       chan Invalidation
}

func NewPgWatcher(databaseURL string) *PgWatcher {
	return &PgWatcher{
		databaseURL: databaseURL,
		inval:       make(chan Invalidation, 64),
	}
}

func (w *PgWatcher) Invalidations() <-chan Invalidation {
	return w.inval
}

// Run listens until ctx is cancelled, redialing with a flat backoff on
// connection loss. Notifications arriving while disconnected are lost,
// which is acceptable: the router re-checks membership on every publish.
func (w *PgWatcher) Run(ctx context.Context) {
	for {
		if err := w.listen(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Membership watcher disconnected: %v", err)
		}

		select {
		case <-ctx.Done():
			close(w.inval)
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (w *PgWatcher) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, w.databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	logger.Info("Listening for membership changes on %q", notifyChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var inv Invalidation
		if err := json.Unmarshal([]byte(notification.Payload), &inv); err != nil {
			logger.Warn("Dropping malformed membership notification: %v", err)
			continue
		}
		if inv.Room == "" || inv.UserID == "" {
			logger.Warn("Dropping incomplete membership notification: %q", notification.Payload)
			continue
		}

		select {
		case w.inval <- inv:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
