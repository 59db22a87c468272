package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the unit's instruments.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	actionsClaimed   *prometheus.CounterVec
	actionsCompleted *prometheus.CounterVec
	reaperWakes      prometheus.Counter
	reaperTimeouts   prometheus.Counter
	capsCacheHits    prometheus.Counter
	capsCacheMisses  prometheus.Counter
	httpRequests     *prometheus.CounterVec

	// Histograms
	deployDuration  prometheus.Histogram
	ticketWait      prometheus.Histogram
	httpDuration    *prometheus.HistogramVec
	adapterDuration *prometheus.HistogramVec

	// Gauges
	uptime    prometheus.GaugeFunc
	freeSlots prometheus.Gauge
}

// Default histogram buckets for HTTP and adapter durations (in seconds)
var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string) {
	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		actionsClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_claimed_total",
				Help:      "Total actions claimed by workers",
			},
			[]string{"type"},
		),

		actionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_completed_total",
				Help:      "Total actions finished, by request type and outcome",
			},
			[]string{"request_type", "outcome"},
		),

		reaperWakes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_wakes_total",
				Help:      "Sleeping actions woken up by the reaper",
			},
		),

		reaperTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_timeouts_total",
				Help:      "Sleeping actions timed out by the reaper",
			},
		),

		capsCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capabilities_cache_hits_total",
				Help:      "Capabilities served from cache",
			},
		),

		capsCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capabilities_cache_misses_total",
				Help:      "Capabilities recomputed from the store",
			},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),

		deployDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Duration of hypervisor deploys",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		ticketWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ticket_wait_seconds",
				Help:      "Time deploy workers wait for a free deploy ticket",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "route"},
		),

		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_op_duration_seconds",
				Help:      "Duration of hypervisor adapter operations",
				Buckets:   defaultBuckets,
			},
			[]string{"op", "outcome"},
		),

		freeSlots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "free_slots",
				Help:      "Free deploy slots as of the last capabilities computation",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.actionsClaimed,
		pm.actionsCompleted,
		pm.reaperWakes,
		pm.reaperTimeouts,
		pm.capsCacheHits,
		pm.capsCacheMisses,
		pm.httpRequests,
		pm.deployDuration,
		pm.ticketWait,
		pm.httpDuration,
		pm.adapterDuration,
		pm.uptime,
		pm.freeSlots,
	)

	promMetrics = pm
}

// RecordActionClaimed records one claimed action.
func RecordActionClaimed(actionType string) {
	if promMetrics == nil {
		return
	}
	promMetrics.actionsClaimed.WithLabelValues(actionType).Inc()
}

// RecordActionCompleted records one finished action with its outcome.
func RecordActionCompleted(requestType, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.actionsCompleted.WithLabelValues(requestType, outcome).Inc()
}

// RecordReaperWake records a sleeping action woken back to the free state.
func RecordReaperWake() {
	if promMetrics == nil {
		return
	}
	promMetrics.reaperWakes.Inc()
}

// RecordReaperTimeout records a sleeping action timed out.
func RecordReaperTimeout() {
	if promMetrics == nil {
		return
	}
	promMetrics.reaperTimeouts.Inc()
}

// RecordCapabilitiesCache records a capabilities lookup outcome.
func RecordCapabilitiesCache(hit bool) {
	if promMetrics == nil {
		return
	}
	if hit {
		promMetrics.capsCacheHits.Inc()
	} else {
		promMetrics.capsCacheMisses.Inc()
	}
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.httpRequests.WithLabelValues(method, route, status).Inc()
	promMetrics.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveDeployDuration records one hypervisor deploy.
func ObserveDeployDuration(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.deployDuration.Observe(d.Seconds())
}

// ObserveTicketWait records how long a deploy worker waited for a ticket.
func ObserveTicketWait(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.ticketWait.Observe(d.Seconds())
}

// ObserveAdapterOp records one hypervisor adapter operation.
func ObserveAdapterOp(op string, d time.Duration, err error) {
	if promMetrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	promMetrics.adapterDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}

// SetFreeSlots sets the free-slots gauge.
func SetFreeSlots(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.freeSlots.Set(float64(n))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
