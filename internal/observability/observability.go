// Package observability wires Prometheus metrics and OpenTelemetry tracing
// through the broker's HTTP surface: HTTPMiddleware records and traces
// every request, and the agent-poll handler records polls. Recorder also
// has LLM-call and tool-execution instruments, but nothing in the broker
// records to them, and no spans are opened around MCP calls or the agent
// loop. It mirrors
// the teacher's own observability package at a scope matched to Scintilla:
// one Prometheus registry with a handful of broker-specific instruments
// rather than the teacher's full agent/RAG/session metric surface, and a
// tracer wired to an in-process SDK TracerProvider rather than an OTLP
// collector (Scintilla does not depend on an OTLP exporter package).
package observability

import (
	"context"
	"sync"
	"time"
)

// Config configures the observability system. Both halves default off;
// a deployment opts in per SPEC_FULL.md's ambient-stack expectations.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Tracing TracingConfig `yaml:"tracing,omitempty"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
}

// SetDefaults fills in the zero-value defaults for an enabled config.
func (c *Config) SetDefaults() {
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "scintilla"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "scintilla"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
}

// Recorder is the narrow metrics interface the rest of the broker depends
// on, so a disabled deployment can be handed a NoopRecorder with no branch
// at every call site — the same nil-safe shape as the teacher's
// observability.Metrics interface and PrometheusMetrics/NoopMetrics pair.
type Recorder interface {
	RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration, responseSize int)
	RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordToolExecution(ctx context.Context, sourceID, toolName string, duration time.Duration, err error)
	RecordAgentPoll(ctx context.Context, agentID string, hasWork bool)
}

var (
	globalRecorder Recorder
	globalMu       sync.RWMutex
)

// SetGlobalRecorder installs the process-wide Recorder used by middleware
// and components that don't have one threaded through explicitly.
func SetGlobalRecorder(r Recorder) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalRecorder = r
}

// GetGlobalRecorder returns the installed Recorder, or a NoopRecorder if
// none has been set.
func GetGlobalRecorder() Recorder {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalRecorder == nil {
		return NoopRecorder{}
	}
	return globalRecorder
}

// NoopRecorder discards every measurement. It is the default Recorder so
// that disabling metrics never requires nil checks at call sites.
type NoopRecorder struct{}

func (NoopRecorder) RecordHTTPRequest(context.Context, string, string, int, time.Duration, int) {}
func (NoopRecorder) RecordLLMCall(context.Context, string, string, time.Duration, int, int, error) {
}
func (NoopRecorder) RecordToolExecution(context.Context, string, string, time.Duration, error) {}
func (NoopRecorder) RecordAgentPoll(context.Context, string, bool)                              {}

var _ Recorder = NoopRecorder{}
