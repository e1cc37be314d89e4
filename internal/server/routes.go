// Package server wires HTTP handlers into a ServeMux for the relay
// via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func SetupRoutes(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Health)
	mux.HandleFunc("/api/health", h.APIHealth)
	mux.HandleFunc("/api/online", h.OnlineUsers)
	mux.HandleFunc("/ws", h.WebSocket)
	mux.HandleFunc("/test", h.TestPage)
	mux.Handle("/metrics", h.Metrics())
	return mux
}
