package gateway

import "net/http"

// Routes returns a ServeMux with the health, stats, and WebSocket endpoints.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.HealthHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	mux.HandleFunc("/stats", g.StatsHandler)
	return mux
}
