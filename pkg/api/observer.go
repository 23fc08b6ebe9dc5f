package api

import (
	"net/http"

	"github.com/foxhollow/yangd/pkg/observer"
)

// ServeObserver serves hub's WebSocket endpoint at addr under /ws. It
// blocks, matching http.ListenAndServe's contract, so callers run it in
// its own goroutine the same way cmd/yangd runs the admin and gRPC
// servers.
func ServeObserver(hub *observer.Hub, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeHTTP)
	return http.ListenAndServe(addr, mux)
}
