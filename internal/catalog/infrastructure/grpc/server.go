package grpc

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the catalog.
const ServiceName = "catalog.CatalogService"

// Health wraps the standard gRPC health server. Everything starts
// NOT_SERVING until MarkReady is called.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) MarkReady() {
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Drain flips every service to NOT_SERVING so balancers stop routing here.
func (h *Health) Drain() {
	h.srv.Shutdown()
}

func Run(addr string, h *Health) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return Serve(lis, h), nil
}

func Serve(lis net.Listener, h *Health) *grpc.Server {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, h.srv)
	reflection.Register(gs)
	go func() {
		_ = gs.Serve(lis)
	}()
	return gs
}
