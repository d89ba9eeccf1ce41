package healthcheck

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/deepsight/internal/logging"
)

// NewGRPCServer returns a gRPC server exposing only the health service.
func NewGRPCServer(checker *Checker) *grpc.Server {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, checker.HealthServer())
	return server
}

// Serve runs the gRPC health server on listener until ctx is done, then
// marks every service NOT_SERVING and stops gracefully.
func Serve(ctx context.Context, listener net.Listener, checker *Checker, logger *zap.Logger) error {
	server := NewGRPCServer(checker)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return logging.NewOperationError("healthcheck.serve", "", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("stopping gRPC health server")
		checker.HealthServer().Shutdown()
		server.GracefulStop()
		<-errCh
		return nil
	}
}
