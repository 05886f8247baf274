package daemon

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/status"
)

// ServiceName is the health service name of the bridge itself.
const ServiceName = "wabridge"

// SessionService returns the health service name tracking one user's
// session. It reports SERVING only while the session is Ready.
func SessionService(userID string) string {
	return "session/" + userID
}

// HealthTracker mirrors session state changes into a gRPC health server.
type HealthTracker struct {
	srv    *health.Server
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthTracker creates a health server that reports the bridge as
// serving.
func NewHealthTracker(b *bus.Bus, logger *zap.Logger) *HealthTracker {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &HealthTracker{srv: srv, bus: b, logger: logger}
}

// Server returns the underlying health server for registration.
func (t *HealthTracker) Server() *health.Server {
	return t.srv
}

// Start follows session events until Stop.
func (t *HealthTracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	ch, unsub := t.bus.Subscribe("session.", 64)

	go func() {
		defer close(t.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				t.apply(evt)
			}
		}
	}()
}

func (t *HealthTracker) apply(evt bus.Event) {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok || evt.UserID == "" {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if change.To == status.Ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	t.srv.SetServingStatus(SessionService(evt.UserID), st)
	t.logger.Debug("session health updated",
		zap.String("user", evt.UserID),
		zap.String("status", st.String()),
	)
}

// Stop ends the event loop and marks every service NOT_SERVING.
func (t *HealthTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	t.srv.Shutdown()
}
