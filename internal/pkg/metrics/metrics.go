package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agrolink"

// Dispatch results.
const (
	ResultSent        = "sent"
	ResultFailed      = "failed"
	ResultUnknown     = "unknown"
	ResultBreakerOpen = "breaker_open"
)

// Registry holds every agrolink collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// DispatchTotal counts dispatch attempts by device and result.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by device and result (sent, failed, unknown, breaker_open).",
		},
		[]string{"device", "result"},
	)

	// DispatchDuration observes how long a transport send took, failures included.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent connecting to and writing to the actuator endpoint.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"device"},
	)

	// TickTotal counts completed watcher ticks by outcome.
	TickTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_total",
			Help:      "Completed watcher ticks by device and outcome.",
		},
		[]string{"device", "outcome"},
	)

	// TickSkipped counts intervals a device was skipped because its previous tick was still running.
	TickSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_skipped_total",
			Help:      "Scheduler intervals skipped because the device was still in flight.",
		},
		[]string{"device"},
	)

	// WatchersInFlight is the number of watchers currently running a tick.
	WatchersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchers_in_flight",
			Help:      "Number of device watchers currently executing a tick.",
		},
	)

	// StoreErrors counts reads that failed with the command store unavailable.
	StoreErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Command log reads that failed because the store was unavailable.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		DispatchTotal,
		DispatchDuration,
		TickTotal,
		TickSkipped,
		WatchersInFlight,
		StoreErrors,
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
