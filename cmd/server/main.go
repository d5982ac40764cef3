package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/handlers"
	"chat-relay/internal/hub"
	"chat-relay/internal/membership"
	"chat-relay/internal/presence"
	"chat-relay/internal/sink"
	"chat-relay/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Membership authority backed by the storage service's database
	store, err := membership.NewStore(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to membership store: %v", err)
	}
	defer store.Close()

	watcher := membership.NewPgWatcher(cfg.Database.URL)
	go watcher.Run(ctx)

	// Optional event sink for downstream read models
	var events sink.Sink = sink.Noop{}
	if cfg.Sink.AMQPURL != "" {
		amqpSink, err := sink.NewAMQP(cfg.Sink.AMQPURL, cfg.Sink.Exchange)
		if err != nil {
			logger.Fatal("Failed to connect event sink: %v", err)
		}
		defer amqpSink.Close()
		events = amqpSink
	}

	// Presence and routing
	tracker := presence.NewTracker(cfg.Realtime.TypingTTL)
	router := hub.NewRouter(store, tracker, events, cfg.Realtime)
	tracker.OnExpire(router.ExpireTyping)
	go tracker.Run(ctx)
	go router.Run(ctx, watcher.Invalidations())

	// Handshake and routes
	verifier := auth.NewVerifier(cfg.JWT.Secret)
	wsHandlers := handlers.NewWebSocketHandlers(verifier, router, cfg.Realtime)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)
	mux.HandleFunc("/healthz", handlers.Healthz)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	logger.Info("🚀 Relay started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Relay shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
	}
}
