// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat service.
//
// # Description
//
// Metrics cover the streaming chat path end to end: request counts by
// agent and status, stream error codes, time to first token, stream
// duration, tokens emitted, keep-alive pings, and client disconnects.
// Everything is exposed on /metrics for Prometheus scraping.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutianmed"
	chatSubsystem    = "chat"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// ChatMetrics holds all Prometheus metrics for the chat endpoint.
type ChatMetrics struct {
	// RequestsTotal counts chat requests.
	// Labels: agent (emotional, rag, unassigned), status (success, error, cancelled)
	RequestsTotal *prometheus.CounterVec

	// StreamErrorsTotal counts terminal stream errors.
	// Labels: code (RETRIEVAL_ERROR, PROCESSING_ERROR, TIMEOUT_ERROR, INTERNAL_ERROR)
	StreamErrorsTotal *prometheus.CounterVec

	// ActiveStreams tracks currently open SSE connections.
	ActiveStreams prometheus.Gauge

	// TimeToFirstTokenSeconds measures latency from request to first token.
	// Labels: agent
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: agent, status
	StreamDurationSeconds *prometheus.HistogramVec

	// TokensStreamedTotal counts token events emitted to clients.
	// Labels: agent
	TokensStreamedTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keep-alive comments sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts streams aborted by the client.
	ClientDisconnectsTotal prometheus.Counter

	// SessionsLive tracks sessions currently held in the store.
	SessionsLive prometheus.Gauge

	// SessionsSweptTotal counts sessions removed by TTL sweeps.
	SessionsSweptTotal prometheus.Counter
}

var (
	metricsOnce    sync.Once
	defaultMetrics *ChatMetrics
)

// Metrics returns the process-wide ChatMetrics, registering everything on
// the default Prometheus registry on first use.
func Metrics() *ChatMetrics {
	metricsOnce.Do(func() {
		defaultMetrics = &ChatMetrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "requests_total",
					Help:      "Total chat requests by agent and outcome",
				},
				[]string{"agent", "status"},
			),

			StreamErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "stream_errors_total",
					Help:      "Terminal stream errors by client-facing code",
				},
				[]string{"code"},
			),

			ActiveStreams: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "active_streams",
					Help:      "Currently open SSE connections",
				},
			),

			TimeToFirstTokenSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "time_to_first_token_seconds",
					Help:      "Time from request to first token in seconds",
					Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
				},
				[]string{"agent"},
			),

			StreamDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "stream_duration_seconds",
					Help:      "Total stream duration in seconds",
					Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
				},
				[]string{"agent", "status"},
			),

			TokensStreamedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "tokens_streamed_total",
					Help:      "Token events emitted to clients",
				},
				[]string{"agent"},
			),

			KeepAlivesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "keepalives_total",
					Help:      "SSE keep-alive comments sent",
				},
			),

			ClientDisconnectsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "client_disconnects_total",
					Help:      "Streams aborted by client disconnect",
				},
			),

			SessionsLive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: "sessions",
					Name:      "live",
					Help:      "Sessions currently held in the store",
				},
			),

			SessionsSweptTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: "sessions",
					Name:      "swept_total",
					Help:      "Sessions removed by TTL sweeps",
				},
			),
		}
	})
	return defaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// Stream outcome labels.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// AgentLabel normalises a session's agent for metric labels; sessions
// that never got assigned report as "unassigned".
func AgentLabel(agent string) string {
	if agent == "" {
		return "unassigned"
	}
	return agent
}

// RecordRequest records one completed chat request.
func (m *ChatMetrics) RecordRequest(agent, status string) {
	m.RequestsTotal.WithLabelValues(AgentLabel(agent), status).Inc()
}

// RecordStreamError records one terminal error event by its code.
func (m *ChatMetrics) RecordStreamError(code string) {
	m.StreamErrorsTotal.WithLabelValues(code).Inc()
}

// RecordTimeToFirstToken records latency to the first token event.
func (m *ChatMetrics) RecordTimeToFirstToken(agent string, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(AgentLabel(agent)).Observe(seconds)
}

// RecordStreamDuration records a finished stream's wall time.
func (m *ChatMetrics) RecordStreamDuration(agent, status string, seconds float64) {
	m.StreamDurationSeconds.WithLabelValues(AgentLabel(agent), status).Observe(seconds)
}
