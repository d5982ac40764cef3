package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/protocol"
	"chat-relay/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is one live authenticated connection. A user may hold several
// concurrent sessions (multi-device); each is tracked independently.
type Session struct {
	ID       string
	UserID   string
	Username string

	conn   *websocket.Conn
	router *Router
	rt     config.RealtimeConfig

	outbox chan []byte
	done   chan struct{}

	mu            sync.Mutex
	rooms         map[string]struct{}
	closed        bool
	pendingOnline bool
	authTimer     *time.Timer
}

func newSession(identity auth.Identity, conn *websocket.Conn, router *Router, rt config.RealtimeConfig) *Session {
	return &Session{
		ID:       uuid.NewString(),
		UserID:   identity.UserID,
		Username: identity.Username,
		conn:     conn,
		router:   router,
		rt:       rt,
		outbox:   make(chan []byte, rt.OutboxSize),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
}

// deliver enqueues pre-encoded bytes for the write pump. It never blocks:
// a full outbox reports false and the caller drops the subscriber.
func (s *Session) deliver(raw []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.outbox <- raw:
		return true
	default:
		return false
	}
}

func (s *Session) send(f protocol.Frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		logger.Error("Cannot encode frame for session %s: %v", s.ID, err)
		return
	}
	s.deliver(raw)
}

// Confirm completes the handshake by telling the client its session ID.
func (s *Session) Confirm() {
	s.send(protocol.Frame{Op: protocol.OpConnected, Session: s.ID})
}

// armAuthExpiry bounds the session at the token's expiry deadline. When
// it lapses the client is told why and the session is torn down; only a
// reconnect with a fresh token restores service.
func (s *Session) armAuthExpiry(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authTimer = time.AfterFunc(time.Until(at), func() {
		logger.Info("Session %s auth token expired for user %s", s.ID, s.UserID)
		s.send(protocol.ErrorFrame("", protocol.ErrAuthExpired))
		s.router.Disconnect(s)
	})
}

// claimOnlineAnnounce reports, exactly once, that this session took its
// user from offline to online.
func (s *Session) claimOnlineAnnounce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pendingOnline {
		return false
	}
	s.pendingOnline = false
	return true
}

// close reports whether this call was the one that closed the session.
// The connection itself is closed by the write pump after it drains the
// outbox, so frames queued before close still reach the peer.
func (s *Session) close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	timer := s.authTimer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	close(s.done)
	return true
}

func (s *Session) joinedRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = struct{}{}
}

func (s *Session) leftRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *Session) snapshotRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// ReadPump reads frames sequentially until the connection drops, keeping
// same-connection publish order intact. Pong handling bounds how long a
// silently dead peer stays registered.
func (s *Session) ReadPump(ctx context.Context) {
	defer s.router.Disconnect(s)

	s.conn.SetReadLimit(s.rt.MaxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(s.rt.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.rt.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("Session %s read error: %v", s.ID, err)
			}
			return
		}
		s.handleFrame(ctx, raw)
	}
}

// handleFrame dispatches one client frame. Per-request failures are
// answered with an error frame on this session only; they never tear the
// connection down or leak into other sessions' fan-out.
func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	var f protocol.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		logger.Debug("Session %s sent undecodable frame: %v", s.ID, err)
		s.send(protocol.ErrorFrame("", protocol.ErrMalformedPayload))
		return
	}
	if f.Room == "" {
		s.send(protocol.ErrorFrame("", fmt.Errorf("%w: missing room", protocol.ErrMalformedPayload)))
		return
	}

	switch f.Op {
	case protocol.OpSubscribe:
		if err := s.router.Subscribe(ctx, s, f.Room); err != nil {
			s.send(protocol.ErrorFrame(f.Room, err))
			return
		}
		s.send(protocol.Frame{Op: protocol.OpAck, Room: f.Room})

	case protocol.OpUnsubscribe:
		s.router.Unsubscribe(s, f.Room)
		s.send(protocol.Frame{Op: protocol.OpAck, Room: f.Room})

	default:
		kind, ok := f.Op.PublishKind()
		if !ok {
			logger.Debug("Session %s sent unknown op %q", s.ID, f.Op)
			s.send(protocol.ErrorFrame(f.Room, fmt.Errorf("%w: unknown op %q", protocol.ErrMalformedPayload, f.Op)))
			return
		}

		body, err := s.publishBody(f)
		if err != nil {
			s.send(protocol.ErrorFrame(f.Room, err))
			return
		}
		if _, err := s.router.Publish(ctx, s, f.Room, kind, body); err != nil {
			s.send(protocol.ErrorFrame(f.Room, err))
		}
	}
}

// publishBody normalizes the frame body for the publish op. Join/leave
// carry no client body and become system messages; everything else must
// at least be valid JSON.
func (s *Session) publishBody(f protocol.Frame) (json.RawMessage, error) {
	switch f.Op {
	case protocol.OpJoinRoom, protocol.OpLeaveRoom:
		verb := "joined"
		if f.Op == protocol.OpLeaveRoom {
			verb = "left"
		}
		body, err := json.Marshal(protocol.MessageBody{
			RoomID:  f.Room,
			Content: fmt.Sprintf("%s %s the room", s.Username, verb),
			System:  true,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding system message: %w", err)
		}
		return body, nil

	default:
		if len(f.Body) == 0 || !json.Valid(f.Body) {
			return nil, fmt.Errorf("%w: invalid body for %q", protocol.ErrMalformedPayload, f.Op)
		}
		return f.Body, nil
	}
}

// WritePump owns all writes to the connection and keeps the heartbeat
// alive. It is the only goroutine allowed to write.
func (s *Session) WritePump() {
	ticker := time.NewTicker(s.rt.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case raw := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(s.rt.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.Debug("Session %s write error: %v", s.ID, err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.rt.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			// Flush frames queued before the close, then say goodbye.
			for {
				select {
				case raw := <-s.outbox:
					s.conn.SetWriteDeadline(time.Now().Add(s.rt.WriteWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(s.rt.WriteWait))
					s.conn.WriteMessage(websocket.CloseMessage, nil)
					return
				}
			}
		}
	}
}
