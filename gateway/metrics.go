// Copyright 2025 PromptSentry
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

package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptsentry_gateway_decisions_total",
			Help: "Total number of screening decisions by action",
		},
		[]string{"action", "channel"},
	)
	promDecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptsentry_gateway_decision_duration_milliseconds",
			Help:    "End-to-end screening duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"route"},
	)
	promDetectorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptsentry_gateway_detector_duration_milliseconds",
			Help:    "Per-detector scan duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000},
		},
		[]string{"detector"},
	)
	promDetectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptsentry_gateway_detector_errors_total",
			Help: "Detector scans that failed or timed out",
		},
		[]string{"detector"},
	)
	promEvaluatorFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptsentry_gateway_evaluator_fallbacks_total",
			Help: "Remote evaluator failures handled by the local algorithm or fail-closed",
		},
	)
	promAuditDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptsentry_gateway_audit_drops_total",
			Help: "Audit records dropped, by stage (store, queue, ship)",
		},
		[]string{"stage"},
	)
	promAuditQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptsentry_gateway_audit_queue_depth",
			Help: "Documents waiting in the audit shipper queue",
		},
	)
	promRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptsentry_gateway_rate_limited_total",
			Help: "Requests rejected by the per-tenant rate limiter",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promDecisionsTotal)
	prometheus.MustRegister(promDecisionDuration)
	prometheus.MustRegister(promDetectorDuration)
	prometheus.MustRegister(promDetectorErrors)
	prometheus.MustRegister(promEvaluatorFallbacks)
	prometheus.MustRegister(promAuditDrops)
	prometheus.MustRegister(promAuditQueueDepth)
	prometheus.MustRegister(promRateLimited)
}

// GatewayMetrics tracks real performance numbers for the JSON /metrics
// snapshot. Prometheus sees the same events through the package counters.
type GatewayMetrics struct {
	mu sync.RWMutex

	// Request counters
	totalRequests  int64
	failedRequests int64
	actionCounts   map[string]int64

	// Latency tracking (milliseconds); last 1000 kept for percentiles
	lastLatencies []int64

	// Per-detector timings (milliseconds), capped like lastLatencies
	detectorTimings map[string][]int64
	detectorErrors  map[string]int64

	// Audit path health
	auditDrops map[string]int64

	// Error tracking for error rate calculation
	errorTimestamps []time.Time

	startTime time.Time
}

// NewGatewayMetrics returns an empty collector; the zero counters read as
// a healthy, idle gateway.
func NewGatewayMetrics() *GatewayMetrics {
	return &GatewayMetrics{
		actionCounts:    make(map[string]int64),
		detectorTimings: make(map[string][]int64),
		detectorErrors:  make(map[string]int64),
		auditDrops:      make(map[string]int64),
		startTime:       time.Now(),
	}
}

// RecordDecision counts one finished screening request.
func (m *GatewayMetrics) RecordDecision(route string, action Action, channel string, latencyMs int64) {
	promDecisionsTotal.WithLabelValues(string(action), channel).Inc()
	promDecisionDuration.WithLabelValues(route).Observe(float64(latencyMs))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.actionCounts[string(action)]++

	if len(m.lastLatencies) >= 1000 {
		m.lastLatencies = m.lastLatencies[1:]
	}
	m.lastLatencies = append(m.lastLatencies, latencyMs)
}

// RecordDetector counts one detector scan, failed or not.
func (m *GatewayMetrics) RecordDetector(kind DetectorKind, latencyMs int64, failed bool) {
	promDetectorDuration.WithLabelValues(string(kind)).Observe(float64(latencyMs))
	if failed {
		promDetectorErrors.WithLabelValues(string(kind)).Inc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	timings := m.detectorTimings[string(kind)]
	if len(timings) >= 1000 {
		timings = timings[1:]
	}
	m.detectorTimings[string(kind)] = append(timings, latencyMs)
	if failed {
		m.detectorErrors[string(kind)]++
	}
}

// RecordAuditDrop counts a lost audit record by stage (store, queue, ship).
func (m *GatewayMetrics) RecordAuditDrop(stage string) {
	promAuditDrops.WithLabelValues(stage).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditDrops[stage]++
}

// SetAuditQueueDepth publishes the shipper's current backlog.
func (m *GatewayMetrics) SetAuditQueueDepth(depth int) {
	promAuditQueueDepth.Set(float64(depth))
}

// RecordRateLimited counts one request rejected by the rate limiter.
func (m *GatewayMetrics) RecordRateLimited() {
	promRateLimited.Inc()
}

// RecordError records a boundary failure for the error-rate window.
func (m *GatewayMetrics) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failedRequests++
	m.errorTimestamps = append(m.errorTimestamps, time.Now())
	if len(m.errorTimestamps) > 1000 {
		m.errorTimestamps = m.errorTimestamps[len(m.errorTimestamps)-1000:]
	}
}

// Snapshot renders the JSON /metrics view.
func (m *GatewayMetrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime).Seconds()
	rps := float64(0)
	if uptime > 0 {
		rps = float64(m.totalRequests) / uptime
	}

	actions := make(map[string]int64, len(m.actionCounts))
	for k, v := range m.actionCounts {
		actions[k] = v
	}

	detectors := make(map[string]interface{}, len(m.detectorTimings))
	for kind, timings := range m.detectorTimings {
		detectors[kind] = map[string]interface{}{
			"count":  len(timings),
			"errors": m.detectorErrors[kind],
			"p50_ms": calculatePercentile(timings, 0.50),
			"p95_ms": calculatePercentile(timings, 0.95),
			"p99_ms": calculatePercentile(timings, 0.99),
			"avg_ms": calculateAverage(timings),
		}
	}

	drops := make(map[string]int64, len(m.auditDrops))
	for k, v := range m.auditDrops {
		drops[k] = v
	}

	return map[string]interface{}{
		"uptime_seconds":      uptime,
		"total_requests":      m.totalRequests,
		"failed_requests":     m.failedRequests,
		"requests_per_second": rps,
		"error_rate_per_min":  calculateErrorRate(m.errorTimestamps),
		"decisions":           actions,
		"latency": map[string]interface{}{
			"p50_ms": calculatePercentile(m.lastLatencies, 0.50),
			"p95_ms": calculatePercentile(m.lastLatencies, 0.95),
			"p99_ms": calculatePercentile(m.lastLatencies, 0.99),
			"avg_ms": calculateAverage(m.lastLatencies),
		},
		"detectors":   detectors,
		"audit_drops": drops,
		"timestamp":   time.Now().UTC(),
	}
}

// calculatePercentile calculates any percentile from latencies
func calculatePercentile(latencies []int64, percentile float64) float64 {
	if len(latencies) == 0 {
		return 0
	}

	// Copy so callers holding the lock keep their slice order.
	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * percentile)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

func calculateAverage(latencies []int64) float64 {
	if len(latencies) == 0 {
		return 0
	}
	var sum int64
	for _, l := range latencies {
		sum += l
	}
	return float64(sum) / float64(len(latencies))
}

// calculateErrorRate counts errors in the trailing 60 seconds.
func calculateErrorRate(errorTimestamps []time.Time) float64 {
	if len(errorTimestamps) == 0 {
		return 0
	}
	cutoff := time.Now().Add(-60 * time.Second)
	count := 0
	for _, ts := range errorTimestamps {
		if ts.After(cutoff) {
			count++
		}
	}
	return float64(count)
}
