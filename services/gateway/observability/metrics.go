// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the gateway's Prometheus instrumentation.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every gateway metric. Use GetMetrics; registering the
// collectors twice panics.
type Metrics struct {
	// TurnsTotal counts completed turns by outcome: answered, cart,
	// refused, off_topic, rate_limited, budget_exhausted, invalid, error.
	TurnsTotal *prometheus.CounterVec

	// GuardRejectionsTotal counts guard-chain rejections by stage.
	GuardRejectionsTotal *prometheus.CounterVec

	// TokensConsumedTotal accumulates LLM tokens charged to sessions.
	TokensConsumedTotal prometheus.Counter

	// TurnDurationSeconds observes end-to-end turn latency.
	TurnDurationSeconds prometheus.Histogram

	// ActiveConnections gauges currently open websocket connections.
	ActiveConnections prometheus.Gauge

	// CheckoutsTotal counts checkout attempts by status: created, failed.
	CheckoutsTotal *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide metrics singleton, registering the
// collectors on first use.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "turns_total",
				Help:      "Completed chat turns by outcome.",
			}, []string{"outcome"}),
			GuardRejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "guard_rejections_total",
				Help:      "Messages rejected by the guard chain, by stage.",
			}, []string{"stage"}),
			TokensConsumedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "tokens_consumed_total",
				Help:      "LLM tokens charged against session budgets.",
			}),
			TurnDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: "omnichat",
				Name:      "turn_duration_seconds",
				Help:      "End-to-end latency of one chat turn.",
				Buckets:   prometheus.DefBuckets,
			}),
			ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "omnichat",
				Name:      "active_connections",
				Help:      "Currently open websocket connections.",
			}),
			CheckoutsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "checkouts_total",
				Help:      "Checkout creation attempts by status.",
			}, []string{"status"}),
		}
	})
	return metricsInstance
}
