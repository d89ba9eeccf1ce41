package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/deepsight/internal/logging"
)

// HealthClient queries a gRPC health endpoint.
type HealthClient struct {
	client healthpb.HealthClient
	logger *zap.Logger
}

// DialHealth returns a ready-to-use health client for the server at addr.
func DialHealth(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*HealthClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_health", "", err)
		logger.Error("failed to dial health server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &HealthClient{client: healthpb.NewHealthClient(conn), logger: logger}, conn, nil
}

// Serving reports whether service is SERVING. An empty service asks about the
// server as a whole.
func (h *HealthClient) Serving(ctx context.Context, service string) (bool, error) {
	resp, err := h.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.health_check", service, err)
		h.logger.Error("health check call failed", zap.Error(wrapped))
		return false, wrapped
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
