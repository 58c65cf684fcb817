// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the integrity
// pipeline.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ragshield"

// PipelineMetrics holds all Prometheus metrics for the integrity pipeline.
type PipelineMetrics struct {
	// QueriesTotal counts protected queries by lineage action
	// (clean, partial, blocked) plus "error" for failed queries.
	QueriesTotal *prometheus.CounterVec

	// QuarantinesTotal counts documents quarantined.
	QuarantinesTotal prometheus.Counter

	// ScoringDurationSeconds measures the parallel scoring fan-out per query.
	ScoringDurationSeconds prometheus.Histogram

	// RetrievalDurationSeconds measures vector lookups.
	RetrievalDurationSeconds prometheus.Histogram

	// GenerationDurationSeconds measures LLM calls.
	GenerationDurationSeconds prometheus.Histogram

	// EventsPublishedTotal counts events by code.
	EventsPublishedTotal *prometheus.CounterVec

	// ActiveEventStreams tracks live SSE/WebSocket event subscribers.
	ActiveEventStreams prometheus.Gauge

	// ScorerFaultsTotal counts scorer faults degraded to the neutral score.
	ScorerFaultsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, initialized by InitMetrics.
var DefaultMetrics *PipelineMetrics

// InitMetrics registers all pipeline metrics on the default registry. Call
// once at startup.
func InitMetrics() *PipelineMetrics {
	m := &PipelineMetrics{
		QueriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queries_total",
			Help:      "Protected queries by outcome action.",
		}, []string{"action"}),
		QuarantinesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quarantines_total",
			Help:      "Documents quarantined.",
		}),
		ScoringDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "scoring_duration_seconds",
			Help:      "Wall time of the per-query scoring fan-out.",
			Buckets:   prometheus.DefBuckets,
		}),
		RetrievalDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Wall time of vector retrieval.",
			Buckets:   prometheus.DefBuckets,
		}),
		GenerationDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of LLM generation.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		EventsPublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_published_total",
			Help:      "Security events published by code.",
		}, []string{"code"}),
		ActiveEventStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_event_streams",
			Help:      "Live SSE and WebSocket event subscribers.",
		}),
		ScorerFaultsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scorer_faults_total",
			Help:      "Scorer faults degraded to the neutral score.",
		}, []string{"scorer"}),
	}
	DefaultMetrics = m
	return m
}

// ObserveQuery is a nil-safe helper for recording a query outcome.
func ObserveQuery(action string) {
	if DefaultMetrics != nil {
		DefaultMetrics.QueriesTotal.WithLabelValues(action).Inc()
	}
}

// ObserveQuarantines is a nil-safe helper for counting quarantined docs.
func ObserveQuarantines(n int) {
	if DefaultMetrics != nil {
		DefaultMetrics.QuarantinesTotal.Add(float64(n))
	}
}
