// Package gateway exposes the chat over WebSockets. Every browser session is
// bridged onto its own line-protocol connection to the reactor, so WebSocket
// peers and TCP peers share one chat.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/linechat/internal/config"
)

const dialTimeout = 5 * time.Second

// Stats reports the reactor's live connection count.
type Stats interface {
	Active() int
}

// Gateway serves the WebSocket bridge and its HTTP endpoints.
type Gateway struct {
	cfg      config.GatewayConfig
	chatAddr string
	stats    Stats
	logger   *slog.Logger
	origins  *originPolicy
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// New creates a gateway that bridges sessions to the reactor at chatAddr.
// stats may be nil.
func New(cfg config.GatewayConfig, chatAddr string, stats Stats, logger *slog.Logger) *Gateway {
	cfg = config.Sanitize(config.Config{Gateway: cfg}).Gateway
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:      cfg,
		chatAddr: chatAddr,
		stats:    stats,
		logger:   logger,
		origins:  newOriginPolicy(cfg.AllowedOrigins, logger),
		sessions: make(map[string]*session),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.check,
	}
	return g
}

// Sessions returns the number of open WebSocket sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) start(s *session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	g.wg.Add(3)
	go func() {
		defer g.wg.Done()
		s.writePump()
	}()
	go func() {
		defer g.wg.Done()
		s.chatPump()
	}()
	go func() {
		defer g.wg.Done()
		s.readPump()

		// The read pump is the last to notice a closed socket.
		g.mu.Lock()
		delete(g.sessions, s.id)
		g.mu.Unlock()
		s.logger.Info("websocket session ended")
	}()
}

// Shutdown closes every session and waits for their pumps to exit or for ctx
// to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	for _, s := range g.sessions {
		s.close()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
