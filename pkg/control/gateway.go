package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/core-tools/hsu-realmctl/pkg/domain"
	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	return &grpcClientGateway{
		grpcClient: healthpb.NewHealthClient(grpcClientConnection),
		logger:     logger,
	}
}

type grpcClientGateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

func (gw *grpcClientGateway) Status(ctx context.Context) (string, error) {
	return gw.check(ctx, OverallService)
}

func (gw *grpcClientGateway) UnitStatus(ctx context.Context, unit string) (string, error) {
	return gw.check(ctx, unit)
}

func (gw *grpcClientGateway) check(ctx context.Context, service string) (string, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		gw.logger.Errorf("Health check client gateway, service: %q, error: %v", service, err)
		if status.Code(err) == codes.NotFound {
			return "", errors.NewNotFoundError("unknown unit", err).WithContext("unit", service)
		}
		return "", errors.NewNetworkError("health check failed", err).WithContext("unit", service)
	}
	gw.logger.Debugf("Health check client gateway done, service: %q", service)
	return response.GetStatus().String(), nil
}
