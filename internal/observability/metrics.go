package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder is the production Recorder, grounded on the teacher's
// pkg/observability/metrics.go: one CounterVec/HistogramVec pair per
// concern, registered against a private registry rather than the global
// default so tests can construct independent instances.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmTokensInput  *prometheus.CounterVec
	llmTokensOutput *prometheus.CounterVec
	llmErrors       *prometheus.CounterVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrors       *prometheus.CounterVec

	agentPolls *prometheus.CounterVec
}

// NewPrometheusRecorder builds a PrometheusRecorder and registers all of
// its instruments under namespace.
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	r := &PrometheusRecorder{registry: prometheus.NewRegistry()}

	r.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total HTTP requests handled.",
	}, []string{"method", "route", "status"})

	r.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	r.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "llm", Name: "calls_total",
		Help: "Total LLM completion calls.",
	}, []string{"provider", "model"})

	r.llmCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "llm", Name: "call_duration_seconds",
		Help: "LLM completion call duration in seconds.", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"provider", "model"})

	r.llmTokensInput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "llm", Name: "input_tokens_total",
		Help: "Total estimated input tokens sent to the LLM.",
	}, []string{"provider", "model"})

	r.llmTokensOutput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "llm", Name: "output_tokens_total",
		Help: "Total estimated output tokens received from the LLM.",
	}, []string{"provider", "model"})

	r.llmErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "llm", Name: "errors_total",
		Help: "Total LLM call failures.",
	}, []string{"provider", "model"})

	r.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tool", Name: "calls_total",
		Help: "Total tool executions routed through the Tool Executor.",
	}, []string{"source_id", "tool_name"})

	r.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "tool", Name: "call_duration_seconds",
		Help: "Tool execution duration in seconds.", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"source_id", "tool_name"})

	r.toolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tool", Name: "errors_total",
		Help: "Total failed tool executions.",
	}, []string{"source_id", "tool_name"})

	r.agentPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "agent", Name: "polls_total",
		Help: "Total local-agent poll requests, labeled by whether work was returned.",
	}, []string{"agent_id", "has_work"})

	r.registry.MustRegister(
		r.httpRequests, r.httpDuration,
		r.llmCalls, r.llmCallDuration, r.llmTokensInput, r.llmTokensOutput, r.llmErrors,
		r.toolCalls, r.toolCallDuration, r.toolErrors,
		r.agentPolls,
	)
	return r
}

func (r *PrometheusRecorder) RecordHTTPRequest(_ context.Context, method, route string, statusCode int, duration time.Duration, _ int) {
	status := http.StatusText(statusCode)
	if status == "" {
		status = "unknown"
	}
	r.httpRequests.WithLabelValues(method, route, status).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordLLMCall(_ context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	r.llmCalls.WithLabelValues(provider, model).Inc()
	r.llmCallDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if inputTokens > 0 {
		r.llmTokensInput.WithLabelValues(provider, model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.llmTokensOutput.WithLabelValues(provider, model).Add(float64(outputTokens))
	}
	if err != nil {
		r.llmErrors.WithLabelValues(provider, model).Inc()
	}
}

func (r *PrometheusRecorder) RecordToolExecution(_ context.Context, sourceID, toolName string, duration time.Duration, err error) {
	r.toolCalls.WithLabelValues(sourceID, toolName).Inc()
	r.toolCallDuration.WithLabelValues(sourceID, toolName).Observe(duration.Seconds())
	if err != nil {
		r.toolErrors.WithLabelValues(sourceID, toolName).Inc()
	}
}

func (r *PrometheusRecorder) RecordAgentPoll(_ context.Context, agentID string, hasWork bool) {
	r.agentPolls.WithLabelValues(agentID, boolLabel(hasWork)).Inc()
}

// Handler returns the /metrics HTTP handler for this recorder's registry.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var _ Recorder = (*PrometheusRecorder)(nil)
