// Package wsclient is the client half of the realtime core: one explicitly
// constructed connection per logical session, with declarative room
// subscriptions replayed across reconnects.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chat-relay/internal/protocol"
	"chat-relay/pkg/logger"

	"github.com/gorilla/websocket"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

// ConnListener observes connection lifecycle transitions. Reconnection
// policy belongs to the listener, never to the client itself.
type ConnListener interface {
	Connected()
	Disconnected(err error)
}

type Options struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	// PingPeriod and PongWait bound how long a silently dead transport
	// goes unnoticed: the client pings, the server pongs, and a read
	// deadline lapses if the pongs stop. PingPeriod must be below
	// PongWait.
	PingPeriod time.Duration
	PongWait   time.Duration
	OutboxSize int
	// History, when set, is consulted after every reconnect to replay
	// messages missed while offline.
	History History
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteWait == 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait == 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod == 0 {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.OutboxSize == 0 {
		o.OutboxSize = 64
	}
}

// Client owns one transport session. Construct one per logical session;
// there is deliberately no package-level instance.
type Client struct {
	url      string
	opts     Options
	registry *registry

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	sessionID string
	outbox    chan protocol.Frame
	closed    chan struct{}

	listeners []ConnListener
	ackFn     func(room string)
	errFn     func(room string, err error)
}

func New(url string, opts Options) *Client {
	opts.withDefaults()
	return &Client{
		url:      url,
		opts:     opts,
		registry: newRegistry(),
	}
}

// AddListener registers a lifecycle observer. Call before Connect.
func (c *Client) AddListener(l ConnListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// OnAck registers a callback fired when the server confirms a subscribe
// or unsubscribe for a room.
func (c *Client) OnAck(fn func(room string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackFn = fn
}

// OnRequestError registers a callback for request-scoped server errors
// (Forbidden, NotFound, MalformedPayload). Connection-level errors arrive
// through ConnListener.Disconnected instead.
func (c *Client) OnRequestError(fn func(room string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errFn = fn
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect dials, authenticates with the bearer token and waits for the
// server's connected frame. Failure is not retryable with the same token:
// the caller must obtain a fresh one first. On success the recorded
// subscription intent is replayed, so server-side subscriptions converge
// to exactly the local intent set.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect: session already %v", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.setDisconnected()
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: handshake rejected", protocol.ErrAuthExpired)
		}
		return fmt.Errorf("%w: %v", protocol.ErrTransportFailure, err)
	}

	// The handshake completes when the server confirms the session.
	conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil || f.Op != protocol.OpConnected {
		conn.Close()
		c.setDisconnected()
		if err != nil {
			return fmt.Errorf("%w: no handshake confirmation: %v", protocol.ErrTransportFailure, err)
		}
		return fmt.Errorf("%w: unexpected handshake frame %q", protocol.ErrTransportFailure, f.Op)
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = f.Session
	c.state = StateOpen
	c.outbox = make(chan protocol.Frame, c.opts.OutboxSize)
	c.closed = make(chan struct{})
	listeners := append([]ConnListener(nil), c.listeners...)
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.writeLoop(conn, c.outbox, c.closed)

	for _, l := range listeners {
		l.Connected()
	}

	c.registry.replay(c.enqueue)
	if c.opts.History != nil {
		go c.reconcile(context.Background())
	}
	return nil
}

// Disconnect tears the session down locally, sending best-effort leave
// notifications first. It always succeeds even if the network is gone,
// and clears all recorded intent and dispatch callbacks.
func (c *Client) Disconnect() {
	for _, roomID := range c.registry.intentRooms() {
		c.enqueue(protocol.Frame{Op: protocol.OpLeaveRoom, Room: roomID})
		c.enqueue(protocol.Frame{Op: protocol.OpUnsubscribe, Room: roomID})
	}
	c.registry.clear()
	c.teardown(nil)
}

// Send enqueues a publish on the channel, preserving FIFO order relative
// to other sends on this connection. With no open session it fails with
// ErrNotConnected and nothing is queued.
func (c *Client) Send(ch protocol.Channel, body json.RawMessage) error {
	op, err := publishOp(ch.Kind, body)
	if err != nil {
		return err
	}
	return c.enqueue(protocol.Frame{Op: op, Room: ch.Room, Body: body})
}

// publishOp maps a stream kind to its publish op. The video stream has
// two ops, picked by the body's action field.
func publishOp(kind protocol.Kind, body json.RawMessage) (protocol.Op, error) {
	switch kind {
	case protocol.KindMessage:
		return protocol.OpSendMessage, nil
	case protocol.KindTyping:
		return protocol.OpSendTyping, nil
	case protocol.KindEdit:
		return protocol.OpEditMessage, nil
	case protocol.KindDelete:
		return protocol.OpDeleteMessage, nil
	case protocol.KindVideo:
		var v protocol.VideoBody
		if err := json.Unmarshal(body, &v); err != nil {
			return "", fmt.Errorf("%w: %v", protocol.ErrMalformedPayload, err)
		}
		if v.Action == "end" {
			return protocol.OpEndVideoCall, nil
		}
		return protocol.OpStartVideoCall, nil
	}
	return "", fmt.Errorf("%w: unknown stream kind %q", protocol.ErrMalformedPayload, kind)
}

func (c *Client) enqueue(f protocol.Frame) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return protocol.ErrNotConnected
	}
	outbox, closed := c.outbox, c.closed
	c.mu.Unlock()

	select {
	case outbox <- f:
		return nil
	case <-closed:
		return protocol.ErrNotConnected
	}
}

// readLoop consumes server frames under a pong-refreshed read deadline,
// so a transport that dies without a close frame is still detected.
func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.teardown(fmt.Errorf("%w: %v", protocol.ErrTransportFailure, err))
			return
		}

		switch f.Op {
		case protocol.OpEvent:
			if f.Event == nil {
				logger.Debug("Dropping event frame without event payload")
				continue
			}
			c.registry.dispatch(*f.Event)

		case protocol.OpAck:
			c.mu.Lock()
			fn := c.ackFn
			c.mu.Unlock()
			if fn != nil {
				fn(f.Room)
			}

		case protocol.OpError:
			c.handleErrorFrame(f)

		default:
			logger.Debug("Dropping unexpected frame op %q", f.Op)
		}
	}
}

func (c *Client) handleErrorFrame(f protocol.Frame) {
	err := protocol.ErrorFromCode(f.Code)
	logger.Warn("Server error for room %q: %s (%s)", f.Room, f.Reason, f.Code)

	c.mu.Lock()
	fn := c.errFn
	c.mu.Unlock()
	if fn != nil {
		fn(f.Room, err)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, outbox chan protocol.Frame, closed chan struct{}) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-outbox:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := conn.WriteJSON(f); err != nil {
				c.teardown(fmt.Errorf("%w: %v", protocol.ErrTransportFailure, err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(fmt.Errorf("%w: %v", protocol.ErrTransportFailure, err))
				return
			}
		case <-closed:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

// teardown transitions to disconnected exactly once and broadcasts the
// disconnect to every listener. Subscription intent is kept so the next
// Connect can replay it (Disconnect clears it explicitly).
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	close(c.closed)
	listeners := append([]ConnListener(nil), c.listeners...)
	c.mu.Unlock()

	conn.Close()
	for _, l := range listeners {
		l.Disconnected(cause)
	}
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// reconcile fetches messages missed while offline from the REST history
// collaborator and feeds them through the normal dispatch path.
func (c *Client) reconcile(ctx context.Context) {
	for _, roomID := range c.registry.intentRooms() {
		after := c.registry.lastMessageSeq(roomID)
		if after == 0 {
			continue
		}
		events, err := c.opts.History.Since(ctx, roomID, after)
		if err != nil {
			logger.Warn("History reconciliation failed for room %s: %v", roomID, err)
			continue
		}
		for _, evt := range events {
			c.registry.dispatch(evt)
		}
	}
}
