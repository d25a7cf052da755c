package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/AnishMulay/sandgate/internal/log_service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer exposes the default Prometheus registry on /metrics.
type metricsServer struct {
	address    string
	ls         log_service.LogService
	httpServer *http.Server
}

func newMetricsServer(address string, ls log_service.LogService) *metricsServer {
	return &metricsServer{address: address, ls: ls}
}

func (m *metricsServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	lis, err := net.Listen("tcp", m.address)
	if err != nil {
		return err
	}
	m.address = lis.Addr().String()

	m.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.ls.Error(log_service.LogEvent{
				Message:  "Metrics server error",
				Metadata: map[string]any{"address": m.address, "error": err.Error()},
			})
		}
	}()
	return nil
}

func (m *metricsServer) Stop(ctx context.Context) error {
	if m.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.httpServer.Shutdown(ctx)
}
