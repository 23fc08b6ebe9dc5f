// Package api exposes yangd's operational surface: an admin HTTP mux
// (liveness, readiness, Prometheus metrics) and a gRPC server advertising
// the standard health-checking protocol, so the Engine can be probed the
// same way any other cluster workload is.
//
// Grounded on the teacher's pkg/api.HealthServer (a liveness/readiness
// HTTP mux backed by a shared health checker) and cmd/warren/main.go's
// metrics-endpoint wiring; the handlers themselves are
// pkg/metrics.HealthHandler/ReadyHandler/LivenessHandler, the same
// component-registry-backed handlers the teacher's metrics HTTP server
// wires up, with Engine.New registering "storage" and "registry" as the
// critical components in place of the teacher's "raft"/"containerd".
package api

import (
	"net/http"
	"time"

	"github.com/foxhollow/yangd/pkg/engine"
	"github.com/foxhollow/yangd/pkg/metrics"
)

// AdminServer serves liveness, readiness and metrics endpoints over HTTP.
// It takes an *engine.Engine purely to keep its constructor's shape
// aligned with GRPCServer's and to anchor lifetime: an AdminServer only
// makes sense once an Engine has registered its health components.
type AdminServer struct {
	mux *http.ServeMux
	srv *http.Server
}

// NewAdminServer builds the admin mux, assuming e has already registered
// its health components (Engine.New does this during construction).
func NewAdminServer(e *engine.Engine) *AdminServer {
	mux := http.NewServeMux()
	a := &AdminServer{mux: mux}

	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	return a
}

// Start serves the admin mux at addr until the process exits or Stop is
// called; it blocks, matching http.Server.ListenAndServe's contract.
func (a *AdminServer) Start(addr string) error {
	a.srv = &http.Server{
		Addr:         addr,
		Handler:      a.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a.srv.ListenAndServe()
}

// Stop closes the admin server immediately, dropping any open
// connections rather than waiting for in-flight requests to finish.
func (a *AdminServer) Stop() error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Close()
}
