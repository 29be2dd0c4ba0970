// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes the engine's Prometheus collectors.
//
// Labels are restricted to bounded sets (priority, operation kind, fallback reason) so the
// series count does not grow with traffic. Collectors are registered eagerly in init; if
// no endpoint is exposed the registration is harmless.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	flushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_flushes_total",
		Help: "Total non-empty buffer flushes per priority tier",
	}, []string{"priority"})
	itemsPerFlush = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quota_items_per_flush",
		Help:    "Distribution of buffered items drained per flush",
		Buckets: []float64{1, 2, 4, 8, 16, 25, 50, 100, 200, 400},
	}, []string{"priority"})
	flushSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quota_flush_duration_seconds",
		Help:    "Wall time of a flush including every grouped backing-store round trip",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"priority"})
	bufferedItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quota_buffered_items",
		Help: "Items currently waiting in a tier buffer",
	}, []string{"priority"})
	outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_outcomes_total",
		Help: "Resolved items per operation kind; reason is \"ok\" for real results",
	}, []string{"kind", "reason"})
	reconcileRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_reconcile_rows_total",
		Help: "Rows written by reconciliation passes",
	}, []string{"direction"})
	reconcileChunkErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_reconcile_chunk_errors_total",
		Help: "Reconciliation chunks skipped because of a store failure",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(
		flushesTotal,
		itemsPerFlush,
		flushSeconds,
		bufferedItems,
		outcomesTotal,
		reconcileRowsTotal,
		reconcileChunkErrorsTotal,
	)
}

// ObserveFlush records one non-empty flush of a tier.
func ObserveFlush(priority string, items int, took time.Duration) {
	if items <= 0 {
		return
	}
	flushesTotal.WithLabelValues(priority).Inc()
	itemsPerFlush.WithLabelValues(priority).Observe(float64(items))
	flushSeconds.WithLabelValues(priority).Observe(took.Seconds())
}

// SetBuffered publishes the current buffer depth of a tier.
func SetBuffered(priority string, n int) {
	bufferedItems.WithLabelValues(priority).Set(float64(n))
}

// ObserveOutcome counts a resolved item. reason is "ok" for real results.
func ObserveOutcome(kind, reason string) {
	outcomesTotal.WithLabelValues(kind, reason).Inc()
}

// ObserveReconcile records rows written and chunks skipped by one pass.
func ObserveReconcile(direction string, rows, chunkErrors int) {
	if rows > 0 {
		reconcileRowsTotal.WithLabelValues(direction).Add(float64(rows))
	}
	if chunkErrors > 0 {
		reconcileChunkErrorsTotal.WithLabelValues(direction).Add(float64(chunkErrors))
	}
}

// StartMetricsEndpoint exposes /metrics on addr in a background goroutine and returns the
// server so the host can shut it down.
func StartMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
	return server
}
