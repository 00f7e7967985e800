// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's instruments on a private registry so tests can
// create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queueWait       prometheus.Histogram
	compactions     *prometheus.CounterVec
	upstreamRetries prometheus.Counter
	tokenRefreshes  *prometheus.CounterVec
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_gateway_requests_total",
		Help: "Requests served, by endpoint and HTTP status.",
	}, []string{"endpoint", "status"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copilot_gateway_request_duration_seconds",
		Help:    "End-to-end request latency, by endpoint.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"endpoint"})

	m.queueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "copilot_gateway_queue_wait_seconds",
		Help:    "Time requests spent queued behind the rate limiter.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	m.compactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_gateway_compactions_total",
		Help: "Context compactions performed, by kind.",
	}, []string{"kind"})

	m.upstreamRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copilot_gateway_upstream_retries_total",
		Help: "Requests re-dispatched after an upstream rate limit.",
	})

	m.tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_gateway_token_refreshes_total",
		Help: "Short-lived token refresh attempts, by outcome.",
	}, []string{"outcome"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.queueWait,
		m.compactions,
		m.upstreamRetries,
		m.tokenRefreshes,
	)
	return m
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(endpoint string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveQueueWait records time spent queued behind the rate limiter.
func (m *Metrics) ObserveQueueWait(wait time.Duration) {
	m.queueWait.Observe(wait.Seconds())
}

// Compaction kinds.
const (
	CompactionTruncated  = "truncated"
	CompactionCompressed = "compressed"
)

// ObserveCompaction records one context compaction.
func (m *Metrics) ObserveCompaction(kind string) {
	m.compactions.WithLabelValues(kind).Inc()
}

// ObserveUpstreamRetry records a re-dispatch after a 429.
func (m *Metrics) ObserveUpstreamRetry() {
	m.upstreamRetries.Inc()
}

// ObserveTokenRefresh records a refresh attempt outcome, "ok" or "error".
func (m *Metrics) ObserveTokenRefresh(outcome string) {
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
