package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polipo",
			Name:      "http_requests_total",
			Help:      "Total number of client requests answered by the proxy",
		},
		[]string{"method", "code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "polipo",
			Name:      "http_request_duration_seconds",
			Help:      "Time from queueing a request to writing its response",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "polipo",
			Name:      "cache_hits_total",
			Help:      "Requests served from a fresh cached object",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "polipo",
			Name:      "cache_misses_total",
			Help:      "Requests that required contacting the origin",
		},
	)

	revalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polipo",
			Name:      "cache_revalidations_total",
			Help:      "Conditional requests sent upstream for stale objects",
		},
		[]string{"outcome"},
	)

	conditionVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polipo",
			Name:      "condition_verdicts_total",
			Help:      "Verdicts of client conditional requests",
		},
		[]string{"verdict"},
	)

	timeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "polipo",
			Name:      "connection_timeouts_total",
			Help:      "Connections shut down by their timeout",
		},
	)

	errorPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polipo",
			Name:      "error_responses_total",
			Help:      "Synthesized error responses",
		},
		[]string{"code"},
	)

	headerOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "polipo",
			Name:      "header_overflows_total",
			Help:      "Header blocks that did not fit their buffer",
		},
	)

	parentUnhealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "polipo",
			Name:      "parent_unhealthy",
			Help:      "1 when a parent proxy is marked unhealthy",
		},
		[]string{"parent"},
	)

	openConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "polipo",
			Name:      "open_connections",
			Help:      "Client connections currently open",
		},
	)
)

// Init registers the collectors. gauges are sampled on scrape.
func Init(atoms, chunks func() int) {
	prometheus.MustRegister(requestTotal, requestDuration, cacheHits, cacheMisses,
		revalidations, conditionVerdicts, timeouts, errorPages, headerOverflows,
		parentUnhealthy, openConnections)

	if atoms != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "polipo",
			Name:      "atoms_in_use",
			Help:      "Live atoms in the pool",
		}, func() float64 { return float64(atoms()) }))
	}
	if chunks != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "polipo",
			Name:      "chunks_in_use",
			Help:      "Outstanding scratch chunks",
		}, func() float64 { return float64(chunks()) }))
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveRequest(method, code string, d time.Duration) {
	requestTotal.WithLabelValues(method, code).Inc()
	requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func IncCacheHit() {
	cacheHits.Inc()
}

func IncCacheMiss() {
	cacheMisses.Inc()
}

func IncRevalidation(outcome string) {
	revalidations.WithLabelValues(outcome).Inc()
}

func IncConditionVerdict(verdict string) {
	conditionVerdicts.WithLabelValues(verdict).Inc()
}

func IncTimeout() {
	timeouts.Inc()
}

func IncErrorPage(code string) {
	errorPages.WithLabelValues(code).Inc()
}

func IncHeaderOverflow() {
	headerOverflows.Inc()
}

func SetParentUnhealthy(parent string, value float64) {
	parentUnhealthy.WithLabelValues(parent).Set(value)
}

func ConnectionOpened() {
	openConnections.Inc()
}

func ConnectionClosed() {
	openConnections.Dec()
}
