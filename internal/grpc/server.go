package grpc

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "operations"

// Pinger reports whether a dependency is reachable. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer publishes grpc.health.v1 status derived from database reachability.
type HealthServer struct {
	health   *health.Server
	db       Pinger
	interval time.Duration
	timeout  time.Duration
	log      logrus.FieldLogger
}

// NewHealthServer creates a HealthServer. Status starts as NOT_SERVING until the first ping.
func NewHealthServer(db Pinger, interval time.Duration, log logrus.FieldLogger) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	hs := &HealthServer{
		health:   health.NewServer(),
		db:       db,
		interval: interval,
		timeout:  interval / 2,
		log:      log,
	}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)

	return hs
}

// NewServer creates a gRPC server with health and reflection registered.
func NewServer(hs *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, hs.health)

	// Register reflection service (useful for tools like grpcurl)
	reflection.Register(srv)

	return srv
}

// Watch pings the database every interval until ctx is done, then reports NOT_SERVING.
func (hs *HealthServer) Watch(ctx context.Context) {
	ticker := time.NewTicker(hs.interval)
	defer ticker.Stop()

	serving := false
	for {
		ok := hs.Check(ctx)
		if ok != serving {
			hs.log.WithField("serving", ok).Info("health status changed")
			serving = ok
		}

		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

// Check pings once and updates the published status.
func (hs *HealthServer) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, hs.timeout)
	defer cancel()

	if err := hs.db.Ping(pingCtx); err != nil {
		hs.log.WithError(err).Debug("database ping failed")
		hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}

	hs.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (hs *HealthServer) Shutdown() {
	hs.health.Shutdown()
}

func (hs *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	hs.health.SetServingStatus("", status)
	hs.health.SetServingStatus(ServiceName, status)
}
