// Package control exposes unit health over the standard gRPC health service
// and provides the matching client gateway.
package control

import (
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-realmctl/pkg/events"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
	"github.com/core-tools/hsu-realmctl/pkg/units"
)

// OverallService is the health service name covering every unit
const OverallService = ""

// HealthReporter mirrors the latest snapshot set into a gRPC health server.
// Each unit is a service; the overall service is SERVING only while every
// unit is running.
type HealthReporter struct {
	mu     sync.Mutex
	server *health.Server
	units  []string
	logger logging.Logger
}

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, unitNames []string, logger logging.Logger) *HealthReporter {
	server := health.NewServer()
	healthpb.RegisterHealthServer(grpcServerRegistrar, server)

	h := &HealthReporter{
		server: server,
		units:  append([]string(nil), unitNames...),
		logger: logger,
	}
	server.SetServingStatus(OverallService, healthpb.HealthCheckResponse_NOT_SERVING)
	for _, unit := range h.units {
		server.SetServingStatus(unit, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// Listener adapts the reporter for events.Bus.Subscribe
func (h *HealthReporter) Listener() events.Listener {
	return func(ev events.Event) {
		if updated, ok := ev.(events.StatusUpdated); ok {
			h.Update(updated.Snapshots)
		}
	}
}

func (h *HealthReporter) Update(snapshots []units.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	allServing := true
	for _, unit := range h.units {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if snapshot, ok := units.Find(snapshots, unit); ok && snapshot.State.IsRunning() {
			status = healthpb.HealthCheckResponse_SERVING
		} else {
			allServing = false
		}
		h.server.SetServingStatus(unit, status)
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if allServing {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(OverallService, overall)
	h.logger.Debugf("Health updated, all_serving: %t", allServing)
}

// Shutdown marks every service NOT_SERVING and ignores later updates
func (h *HealthReporter) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.server.Shutdown()
}
