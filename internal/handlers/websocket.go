package handlers

import (
	"context"
	"net/http"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/hub"
	"chat-relay/internal/protocol"
	"chat-relay/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	verifier *auth.Verifier
	router   *hub.Router
	upgrader websocket.Upgrader
}

func NewWebSocketHandlers(verifier *auth.Verifier, router *hub.Router, cfg config.RealtimeConfig) *WebSocketHandlers {
	return &WebSocketHandlers{
		verifier: verifier,
		router:   router,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket performs the authenticated handshake: verify the bearer
// token, upgrade the transport, confirm with a connected frame, then hand
// the session to the router's pumps.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerFromRequest(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		logger.Debug("Rejected handshake: %v", err)
		http.Error(w, protocol.CodeAuthExpired, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	session := h.router.NewSession(identity, conn)

	go session.WritePump()
	session.Confirm()

	// The request context dies with this handler; session lifetime is
	// governed by the heartbeat deadlines instead.
	session.ReadPump(context.Background())
}
