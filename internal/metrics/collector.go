// Package metrics provides the Prometheus collector for the gateway.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the gateway's Prometheus metrics.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmInputTokens     *prometheus.CounterVec

	mcpToolCallsTotal   *prometheus.CounterVec
	mcpToolCallDuration *prometheus.HistogramVec

	rateLimitDenials *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates the collector and registers its metrics under the
// given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests routed upstream",
		},
		[]string{"provider", "model", "status"},
	)
	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)
	c.llmInputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_input_tokens_total",
			Help:      "Estimated input tokens counted before dispatch",
		},
		[]string{"provider", "model"},
	)

	c.mcpToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_tool_calls_total",
			Help:      "Total number of MCP tool dispatches",
		},
		[]string{"server", "status"},
	)
	c.mcpToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mcp_tool_call_duration_seconds",
			Help:      "MCP tool dispatch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	c.rateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Requests denied by a rate limit tier",
		},
		[]string{"tier"},
	)

	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordLLMRequest records one routed LLM request.
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, inputTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if inputTokens > 0 {
		c.llmInputTokens.WithLabelValues(provider, model).Add(float64(inputTokens))
	}
}

// RecordToolCall records one MCP tool dispatch.
func (c *Collector) RecordToolCall(server, status string, duration time.Duration) {
	c.mcpToolCallsTotal.WithLabelValues(server, status).Inc()
	c.mcpToolCallDuration.WithLabelValues(server).Observe(duration.Seconds())
}

// RecordRateLimitDenial records one denial at the given tier.
func (c *Collector) RecordRateLimitDenial(tier string) {
	c.rateLimitDenials.WithLabelValues(tier).Inc()
}
