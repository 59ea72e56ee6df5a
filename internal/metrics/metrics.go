// Package metrics exposes Prometheus collectors for the scanner.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the scanner's collectors.
	Registry = prometheus.NewRegistry()

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbscan",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Venue requests by outcome.",
		},
		[]string{"venue", "outcome"},
	)

	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "arbscan",
			Subsystem: "client",
			Name:      "inflight_requests",
			Help:      "Venue requests currently holding a permit.",
		},
	)

	scans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbscan",
			Subsystem: "scanner",
			Name:      "scans_total",
			Help:      "Completed scan passes by status.",
		},
		[]string{"status"},
	)

	scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "arbscan",
			Subsystem: "scanner",
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock duration of a scan pass.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	caps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "arbscan",
			Subsystem: "scanner",
			Name:      "workload_cap",
			Help:      "Current adaptive workload caps.",
		},
		[]string{"cap"},
	)

	opportunities = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbscan",
			Subsystem: "monitor",
			Name:      "opportunities_total",
			Help:      "Opportunities seen by the monitor, reported or suppressed.",
		},
		[]string{"result"},
	)

	sinkSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbscan",
			Subsystem: "report",
			Name:      "sink_saves_total",
			Help:      "Reporting sink deliveries by outcome.",
		},
		[]string{"sink", "outcome"},
	)

	monitorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "arbscan",
			Subsystem: "monitor",
			Name:      "iteration_failures_total",
			Help:      "Monitor iterations that ended with an error.",
		},
	)
)

func init() {
	Registry.MustRegister(
		requests,
		inFlight,
		scans,
		scanDuration,
		caps,
		opportunities,
		sinkSaves,
		monitorFailures,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one venue request attempt.
func RecordRequest(venue, outcome string) {
	if venue == "" {
		venue = "unknown"
	}
	requests.WithLabelValues(venue, outcome).Inc()
}

// RequestStarted and RequestFinished track permits in use.
func RequestStarted()  { inFlight.Inc() }
func RequestFinished() { inFlight.Dec() }

// RecordScan records a finished scan pass.
func RecordScan(status string, duration time.Duration) {
	scans.WithLabelValues(status).Inc()
	scanDuration.Observe(duration.Seconds())
}

// SetCaps publishes the adaptive pair and cycle caps.
func SetCaps(pairCap, cycleCap int) {
	caps.WithLabelValues("pairs").Set(float64(pairCap))
	caps.WithLabelValues("cycles").Set(float64(cycleCap))
}

// RecordOpportunity counts a reported or suppressed opportunity.
func RecordOpportunity(reported bool) {
	result := "suppressed"
	if reported {
		result = "reported"
	}
	opportunities.WithLabelValues(result).Inc()
}

// RecordMonitorFailure counts a failed monitor iteration.
func RecordMonitorFailure() {
	monitorFailures.Inc()
}

// RecordSinkSave counts one delivery attempt to a reporting sink. Outcome is ok, error or dropped.
func RecordSinkSave(sink, outcome string) {
	sinkSaves.WithLabelValues(sink, outcome).Inc()
}
