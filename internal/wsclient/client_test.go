package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/handlers"
	"chat-relay/internal/hub"
	"chat-relay/internal/membership"
	"chat-relay/internal/presence"
	"chat-relay/internal/protocol"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

var testSecret = []byte("client-test-secret")

type relay struct {
	url string
	mem *membership.Memory
}

func startRelay(t *testing.T) *relay {
	t.Helper()

	rt := config.RealtimeConfig{
		HandshakeTimeout: 2 * time.Second,
		PongWait:         time.Minute,
		PingPeriod:       50 * time.Second,
		WriteWait:        2 * time.Second,
		TypingTTL:        time.Second,
		OutboxSize:       64,
		MaxFrameSize:     8192,
	}

	mem := membership.NewMemory()
	tracker := presence.NewTracker(rt.TypingTTL)
	router := hub.NewRouter(mem, tracker, nil, rt)
	tracker.OnExpire(router.ExpireTyping)

	ctx, cancel := context.WithCancel(context.Background())
	go router.Run(ctx, mem.Invalidations())

	wsHandlers := handlers.NewWebSocketHandlers(auth.NewVerifier(testSecret), router, rt)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	return &relay{
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		mem: mem,
	}
}

func signToken(t *testing.T, userID, username string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"exp":      time.Now().Add(time.Hour).Unix(),
		"iat":      time.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

// chanObserver surfaces dispatched events as channels for test selects.
type chanObserver struct {
	messages chan protocol.Event
	typings  chan protocol.Event
	edits    chan protocol.Event
	deletes  chan protocol.Event
	videos   chan protocol.Event
}

func newChanObserver() *chanObserver {
	return &chanObserver{
		messages: make(chan protocol.Event, 16),
		typings:  make(chan protocol.Event, 16),
		edits:    make(chan protocol.Event, 16),
		deletes:  make(chan protocol.Event, 16),
		videos:   make(chan protocol.Event, 16),
	}
}

func (o *chanObserver) OnMessage(evt protocol.Event)     { o.messages <- evt }
func (o *chanObserver) OnTyping(evt protocol.Event)      { o.typings <- evt }
func (o *chanObserver) OnEdit(evt protocol.Event)        { o.edits <- evt }
func (o *chanObserver) OnDelete(evt protocol.Event)      { o.deletes <- evt }
func (o *chanObserver) OnVideoSignal(evt protocol.Event) { o.videos <- evt }

type chanListener struct {
	connected    chan struct{}
	disconnected chan error
}

func newChanListener() *chanListener {
	return &chanListener{
		connected:    make(chan struct{}, 4),
		disconnected: make(chan error, 4),
	}
}

func (l *chanListener) Connected()            { l.connected <- struct{}{} }
func (l *chanListener) Disconnected(err error) { l.disconnected <- err }

func waitEvent(t *testing.T, ch chan protocol.Event, what string) protocol.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	return protocol.Event{}
}

func waitAck(t *testing.T, acks chan string, room string) {
	t.Helper()
	for {
		select {
		case acked := <-acks:
			if acked == room {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for ack of room %s", room)
		}
	}
}

// connect dials the relay and returns a connected client plus its ack
// stream.
func connect(t *testing.T, r *relay, userID, username string) (*Client, chan string) {
	t.Helper()

	c := New(r.url, Options{HandshakeTimeout: 2 * time.Second})
	acks := make(chan string, 16)
	c.OnAck(func(room string) { acks <- room })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, signToken(t, userID, username)); err != nil {
		t.Fatalf("connect as %s: %v", userID, err)
	}
	t.Cleanup(c.Disconnect)
	return c, acks
}

func TestConnectRejectsInvalidToken(t *testing.T) {
	r := startRelay(t)
	c := New(r.url, Options{HandshakeTimeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Connect(ctx, "not-a-token")
	if !errors.Is(err, protocol.ErrAuthExpired) {
		t.Fatalf("Connect = %v, want ErrAuthExpired", err)
	}
	if c.State() != StateDisconnected {
		t.Fatal("failed connect left the client in a non-disconnected state")
	}
}

func TestConnectConfirmsSession(t *testing.T) {
	r := startRelay(t)
	c, _ := connect(t, r, "alice", "Alice")

	if c.SessionID() == "" {
		t.Fatal("handshake did not record a session ID")
	}
	if c.State() != StateOpen {
		t.Fatal("client should be open after handshake")
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	r := startRelay(t)
	r.mem.Grant("r1", "alice", false)
	r.mem.Grant("r1", "bob", false)

	alice, aliceAcks := connect(t, r, "alice", "Alice")
	bob, bobAcks := connect(t, r, "bob", "Bob")

	aliceObs, bobObs := newChanObserver(), newChanObserver()
	alice.SubscribeRoom("r1", aliceObs)
	bob.SubscribeRoom("r1", bobObs)
	waitAck(t, aliceAcks, "r1")
	waitAck(t, bobAcks, "r1")

	if err := alice.SendMessage("r1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Sender included for multi-device consistency; same seq everywhere.
	got := waitEvent(t, aliceObs.messages, "alice's own message")
	other := waitEvent(t, bobObs.messages, "bob's copy")
	if got.Seq != other.Seq || got.ID != other.ID {
		t.Fatalf("subscribers disagree: %+v vs %+v", got, other)
	}
	if got.SenderID != "alice" {
		t.Fatalf("sender = %q, want alice", got.SenderID)
	}

	// Typing goes to bob only, on the typing stream. Presence events ride
	// the same stream with the system sender, so filter by sender.
	if err := alice.SendTyping("r1", true); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	evt := waitTypingFrom(t, bobObs.typings, "alice")
	if evt.Kind != protocol.KindTyping {
		t.Fatalf("typing event kind = %q", evt.Kind)
	}
	expectNoTypingFrom(t, aliceObs.typings, "alice")
}

// waitTypingFrom skips presence traffic on the typing stream until an
// event from the wanted sender arrives.
func waitTypingFrom(t *testing.T, ch chan protocol.Event, senderID string) protocol.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.SenderID == senderID {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for typing event from %s", senderID)
		}
	}
}

func expectNoTypingFrom(t *testing.T, ch chan protocol.Event, senderID string) {
	t.Helper()
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case evt := <-ch:
			if evt.SenderID == senderID {
				t.Fatalf("typing echoed to the sender: %+v", evt)
			}
		case <-deadline:
			return
		}
	}
}

func TestSubscribeRejectedForNonMember(t *testing.T) {
	r := startRelay(t)
	r.mem.AddRoom("r1")

	mallory, _ := connect(t, r, "mallory", "Mallory")
	reqErrs := make(chan error, 4)
	mallory.OnRequestError(func(room string, err error) { reqErrs <- err })

	mallory.SubscribeRoom("r1", newChanObserver())

	select {
	case err := <-reqErrs:
		if !errors.Is(err, protocol.ErrForbidden) {
			t.Fatalf("request error = %v, want ErrForbidden", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forbidden error")
	}
}

func TestReconnectReplaysIntent(t *testing.T) {
	r := startRelay(t)
	r.mem.Grant("r1", "alice", false)

	alice, acks := connect(t, r, "alice", "Alice")
	listener := newChanListener()
	alice.AddListener(listener)

	obs := newChanObserver()
	alice.SubscribeRoom("r1", obs)
	waitAck(t, acks, "r1")

	// Simulate a transport drop; intent must survive it.
	alice.teardown(protocol.ErrTransportFailure)
	select {
	case err := <-listener.disconnected:
		if !errors.Is(err, protocol.ErrTransportFailure) {
			t.Fatalf("disconnect cause = %v, want ErrTransportFailure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect notification")
	}

	if err := alice.SendMessage("r1", "lost"); !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("send while disconnected = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := alice.Connect(ctx, signToken(t, "alice", "Alice")); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	// The recorded intent is replayed without any new SubscribeRoom call.
	waitAck(t, acks, "r1")
	if err := alice.SendMessage("r1", "back"); err != nil {
		t.Fatalf("SendMessage after reconnect: %v", err)
	}
	evt := waitEvent(t, obs.messages, "message after reconnect")
	if evt.Room != "r1" {
		t.Fatalf("event room = %q, want r1", evt.Room)
	}
}

func TestKickStopsDelivery(t *testing.T) {
	r := startRelay(t)
	r.mem.Grant("r1", "alice", false)
	r.mem.Grant("r1", "bob", false)

	alice, aliceAcks := connect(t, r, "alice", "Alice")
	bob, bobAcks := connect(t, r, "bob", "Bob")

	aliceObs, bobObs := newChanObserver(), newChanObserver()
	alice.SubscribeRoom("r1", aliceObs)
	bob.SubscribeRoom("r1", bobObs)
	waitAck(t, aliceAcks, "r1")
	waitAck(t, bobAcks, "r1")

	kicked := make(chan error, 4)
	bob.OnRequestError(func(room string, err error) { kicked <- err })

	r.mem.Revoke("r1", "bob")
	select {
	case err := <-kicked:
		if !errors.Is(err, protocol.ErrForbidden) {
			t.Fatalf("revocation notice = %v, want ErrForbidden", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for revocation notice")
	}

	if err := alice.SendMessage("r1", "secret"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitEvent(t, aliceObs.messages, "alice's copy")
	select {
	case evt := <-bobObs.messages:
		t.Fatalf("kicked subscriber still received %+v", evt)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestJoinRoomBroadcastsSystemMessage(t *testing.T) {
	r := startRelay(t)
	r.mem.Grant("r1", "alice", false)
	r.mem.Grant("r1", "bob", false)

	alice, aliceAcks := connect(t, r, "alice", "Alice")
	bob, bobAcks := connect(t, r, "bob", "Bob")

	alice.SubscribeRoom("r1", newChanObserver())
	bobObs := newChanObserver()
	bob.SubscribeRoom("r1", bobObs)
	waitAck(t, aliceAcks, "r1")
	waitAck(t, bobAcks, "r1")

	if err := alice.JoinRoom("r1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	evt := waitEvent(t, bobObs.messages, "join system message")
	if evt.Kind != protocol.KindMessage || evt.SenderID != "alice" {
		t.Fatalf("unexpected join event: %+v", evt)
	}
}

func TestSessionEndsWhenTokenExpires(t *testing.T) {
	r := startRelay(t)
	r.mem.Grant("r1", "alice", false)

	c := New(r.url, Options{HandshakeTimeout: 2 * time.Second})
	acks := make(chan string, 16)
	c.OnAck(func(room string) { acks <- room })
	reqErrs := make(chan error, 4)
	c.OnRequestError(func(room string, err error) { reqErrs <- err })
	listener := newChanListener()
	c.AddListener(listener)

	claims := jwt.MapClaims{
		"user_id":  "alice",
		"username": "Alice",
		"exp":      time.Now().Add(2 * time.Second).Unix(),
		"iat":      time.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, token); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)

	c.SubscribeRoom("r1", newChanObserver())
	waitAck(t, acks, "r1")

	// The heartbeat stays healthy, yet the lapsed token ends the session.
	select {
	case err := <-reqErrs:
		if !errors.Is(err, protocol.ErrAuthExpired) {
			t.Fatalf("server notice = %v, want ErrAuthExpired", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for auth expiry notice")
	}
	select {
	case <-listener.disconnected:
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for disconnect after token expiry")
	}

	if err := c.SendMessage("r1", "too late"); !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("send after expiry = %v, want ErrNotConnected", err)
	}
}

func TestDeadTransportDisconnects(t *testing.T) {
	// A server that confirms the handshake and then goes silent: it never
	// reads, so the client's pings are never answered.
	upgrader := websocket.Upgrader{}
	stall := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(protocol.Frame{Op: protocol.OpConnected, Session: "s1"})
		<-stall
	}))
	t.Cleanup(func() {
		close(stall)
		srv.Close()
	})

	c := New("ws"+strings.TrimPrefix(srv.URL, "http"), Options{
		HandshakeTimeout: 2 * time.Second,
		PingPeriod:       100 * time.Millisecond,
		PongWait:         300 * time.Millisecond,
	})
	listener := newChanListener()
	c.AddListener(listener)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "any"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case err := <-listener.disconnected:
		if !errors.Is(err, protocol.ErrTransportFailure) {
			t.Fatalf("disconnect cause = %v, want ErrTransportFailure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("dead transport went unnoticed")
	}
	if c.State() != StateDisconnected {
		t.Fatal("client should be disconnected")
	}
}
