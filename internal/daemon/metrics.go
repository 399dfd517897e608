// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com

package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector is the daemon's health/diagnostic surface: request
// and reindex counters on a private prometheus registry. Named
// distinctly from the protocol.Metrics wire struct (elapsed_ms/bytes
// per response), which it has no relation to.
type MetricsCollector struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reindexDuration prometheus.Histogram
	symbolCount     prometheus.Gauge
	watchDropped    prometheus.Counter
}

// NewMetrics builds a fresh registry and registers every daemon gauge
// and counter.
func NewMetrics() *MetricsCollector {
	reg := prometheus.NewRegistry()
	m := &MetricsCollector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ct",
			Subsystem: "daemon",
			Name:      "requests_total",
			Help:      "Total requests handled, by command.",
		}, []string{"cmd"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ct",
			Subsystem: "daemon",
			Name:      "request_errors_total",
			Help:      "Total requests that returned ok: false, by command.",
		}, []string{"cmd"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ct",
			Subsystem: "daemon",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency, by command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cmd"}),
		reindexDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ct",
			Subsystem: "ingest",
			Name:      "reindex_duration_seconds",
			Help:      "Wall-clock duration of a full or incremental reindex run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		symbolCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ct",
			Subsystem: "catalog",
			Name:      "symbols",
			Help:      "Symbol count in the current generation.",
		}),
		watchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ct",
			Subsystem: "watch",
			Name:      "jobs_dropped_total",
			Help:      "Reindex jobs dropped because the backlog channel was full.",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.requestErrors, m.requestDuration, m.reindexDuration, m.symbolCount, m.watchDropped)
	return m
}

// ObserveRequest records one dispatched request's outcome and latency.
func (m *MetricsCollector) ObserveRequest(cmd string, elapsed time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(cmd).Inc()
	m.requestDuration.WithLabelValues(cmd).Observe(elapsed.Seconds())
	if !ok {
		m.requestErrors.WithLabelValues(cmd).Inc()
	}
}

// ObserveReindex records one completed reindex run's duration.
func (m *MetricsCollector) ObserveReindex(d time.Duration) {
	if m == nil {
		return
	}
	m.reindexDuration.Observe(d.Seconds())
}

// SetSymbolCount updates the current generation's symbol count gauge.
func (m *MetricsCollector) SetSymbolCount(n int) {
	if m == nil {
		return
	}
	m.symbolCount.Set(float64(n))
}

// IncWatchDropped records one watcher backlog drop.
func (m *MetricsCollector) IncWatchDropped() {
	if m == nil {
		return
	}
	m.watchDropped.Inc()
}

// Handler exposes the registry on a standard /metrics-shaped
// http.Handler for an optional debug listener (cmd/ctd serves it on
// the address given by --metrics-addr, never on the IPC endpoint itself).
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
