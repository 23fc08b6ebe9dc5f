package api

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer wraps a *grpc.Server advertising the standard gRPC health
// protocol. It exposes Server so a future wire RPC surface (Commit,
// InvokeRPC, notification streams) can register its own service against
// the same *grpc.Server before Start is called; no such service exists
// yet (no .proto definitions were carried over from the retrieval pack).
//
// The teacher's pkg/api.Server wraps a *grpc.Server configured with mTLS
// client-certificate verification; that verification is dropped here
// since yangd has no per-node certificate authority (see DESIGN.md), but
// the wrap-a-grpc.Server-behind-a-Start/Stop-pair shape is kept.
type GRPCServer struct {
	Server *grpc.Server
	health *health.Server
}

// NewGRPCServer constructs a plain (non-TLS) gRPC server with the health
// service registered and reporting SERVING.
func NewGRPCServer() *GRPCServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &GRPCServer{Server: srv, health: hs}
}

// Start listens on addr and serves until Stop is called; it blocks.
func (g *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Server.Serve(lis)
}

// Stop gracefully stops the gRPC server, marking the health service
// NOT_SERVING first so in-flight health checks observe the shutdown.
func (g *GRPCServer) Stop() {
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	g.Server.GracefulStop()
}
