package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type statsResponse struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
}

// WebSocketHandler upgrades GET requests from allowed origins and bridges the
// new session onto a fresh reactor connection.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s := newSession(conn, r.RemoteAddr, g.cfg, g.logger)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := s.dial(ctx, g.chatAddr); err != nil {
		s.logger.Error("chat server unavailable", "err", err)
		s.writeClose()
		_ = conn.Close()
		return
	}

	s.logger.Info("websocket session started")
	g.start(s)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (g *Gateway) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "linechat gateway is running!")
}

// StatsHandler reports live reactor connections and gateway sessions as JSON.
func (g *Gateway) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statsResponse{Sessions: g.Sessions()}
	if g.stats != nil {
		resp.Connections = g.stats.Active()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Warn("error writing stats response", "err", err)
	}
}
