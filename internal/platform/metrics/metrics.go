// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry served by Handler. A private registry keeps the
// exposition limited to clinicdesk collectors plus the Go/process defaults.
var Registry = prometheus.NewRegistry()

var (
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicdesk_upstream_requests_total",
			Help: "Total number of requests sent to the CRUD and dropdown APIs",
		},
		[]string{"endpoint", "status_code"},
	)

	upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinicdesk_upstream_request_duration_seconds",
			Help:    "Duration of upstream API requests in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0},
		},
		[]string{"endpoint"},
	)

	lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicdesk_lookups_total",
			Help: "Suggestion and employee lookups by outcome",
		},
		[]string{"kind", "outcome"},
	)

	patientSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicdesk_patient_sync_total",
			Help: "Patient record reconciliations by outcome",
		},
		[]string{"outcome"},
	)

	dropdownCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicdesk_dropdown_cache_total",
			Help: "Dropdown option cache lookups by result",
		},
		[]string{"result"},
	)

	workspacesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clinicdesk_workspaces_active",
			Help: "Number of open form workspaces",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		upstreamRequestsTotal,
		upstreamRequestDuration,
		lookupsTotal,
		patientSyncTotal,
		dropdownCacheTotal,
		workspacesActive,
	)
}

// Handler serves the Prometheus text exposition for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveUpstream records one upstream call. A status of 0 means the request
// never got a response.
func ObserveUpstream(endpoint string, status int, elapsed time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	upstreamRequestsTotal.WithLabelValues(endpoint, code).Inc()
	upstreamRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// Lookup records a lookup outcome, e.g. ("suggestion", "superseded").
func Lookup(kind, outcome string) {
	lookupsTotal.WithLabelValues(kind, outcome).Inc()
}

// PatientSync records a reconciler outcome.
func PatientSync(outcome string) {
	patientSyncTotal.WithLabelValues(outcome).Inc()
}

// DropdownCache records a cache hit, miss or stale serve.
func DropdownCache(result string) {
	dropdownCacheTotal.WithLabelValues(result).Inc()
}

// SetWorkspaces sets the open workspace gauge.
func SetWorkspaces(n int) {
	workspacesActive.Set(float64(n))
}
