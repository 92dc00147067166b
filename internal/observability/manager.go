package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Manager owns the lifecycle of the metrics recorder and tracer, mirroring
// the teacher's observability.Manager: a single object a server can hold
// onto, ask for a /metrics handler, and shut down on exit.
type Manager struct {
	cfg      Config
	recorder *PrometheusRecorder
	tracerTP *sdktrace.TracerProvider
}

// NewManager builds a Manager from cfg. A disabled config yields a Manager
// whose MetricsHandler/Recorder are safe no-ops.
func NewManager(cfg Config) (*Manager, error) {
	cfg.SetDefaults()
	m := &Manager{cfg: cfg}

	if cfg.Metrics.Enabled {
		m.recorder = NewPrometheusRecorder(cfg.Metrics.Namespace)
		SetGlobalRecorder(m.recorder)
		slog.Info("observability: metrics enabled", "endpoint", cfg.Metrics.Endpoint, "namespace", cfg.Metrics.Namespace)
	} else {
		SetGlobalRecorder(NoopRecorder{})
	}

	tp, err := InitTracer(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("observability: init tracer: %w", err)
	}
	if sdkTP, ok := tp.(*sdktrace.TracerProvider); ok {
		m.tracerTP = sdkTP
		slog.Info("observability: tracing enabled", "service", cfg.Tracing.ServiceName, "sampling_rate", cfg.Tracing.SamplingRate)
	}

	return m, nil
}

// Recorder returns the installed Recorder, or NoopRecorder if metrics are
// disabled.
func (m *Manager) Recorder() Recorder {
	if m == nil || m.recorder == nil {
		return NoopRecorder{}
	}
	return m.recorder
}

// MetricsHandler returns the /metrics HTTP handler, or a 503 placeholder
// when metrics are disabled.
func (m *Manager) MetricsHandler() http.Handler {
	if m == nil || m.recorder == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		})
	}
	return m.recorder.Handler()
}

// MetricsEndpoint returns the configured metrics path.
func (m *Manager) MetricsEndpoint() string {
	if m == nil || m.cfg.Metrics.Endpoint == "" {
		return "/metrics"
	}
	return m.cfg.Metrics.Endpoint
}

// Shutdown flushes and stops the tracer provider, if one was started.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.tracerTP == nil {
		return nil
	}
	if err := m.tracerTP.Shutdown(ctx); err != nil {
		return fmt.Errorf("observability: shutdown tracer: %w", err)
	}
	return nil
}
