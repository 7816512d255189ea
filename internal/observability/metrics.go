package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckshare_http_requests_total",
			Help: "Total number of sharing API and file gateway requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckshare_http_request_duration_seconds",
			Help:    "Request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Gateway responses are whole parquet files, so buckets run to 1GiB.
	httpResponseBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckshare_http_response_bytes",
			Help:    "Response body size by route pattern.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 12),
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDurationSeconds, httpResponseBytes)
}
