package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tableQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckshare_table_queries_total",
			Help: "Total number of table query requests by outcome.",
		},
		[]string{"outcome"},
	)
	queryFilesReturnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckshare_query_files_returned_total",
			Help: "Total number of file actions returned in query manifests.",
		},
	)
	queryFilesPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckshare_query_files_pruned_total",
			Help: "Total number of files skipped by predicate or limit pruning.",
		},
	)
	queryPlanLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckshare_query_plan_latency_ms",
			Help:    "Time spent resolving the version, pruning files and signing URLs, in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)
	urlsSignedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckshare_urls_signed_total",
			Help: "Total number of pre-signed file URLs minted.",
		},
		[]string{"signer"},
	)
	authFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckshare_auth_failures_total",
			Help: "Total number of rejected bearer tokens.",
		},
	)
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckshare_gateway_requests_total",
			Help: "Total number of signed file gateway requests by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		tableQueriesTotal,
		queryFilesReturnedTotal,
		queryFilesPrunedTotal,
		queryPlanLatencyMs,
		urlsSignedTotal,
		authFailuresTotal,
		gatewayRequestsTotal,
	)
}

func ObserveTableQuery(outcome string, returned, pruned int, elapsed time.Duration) {
	tableQueriesTotal.WithLabelValues(outcome).Inc()
	if returned > 0 {
		queryFilesReturnedTotal.Add(float64(returned))
	}
	if pruned > 0 {
		queryFilesPrunedTotal.Add(float64(pruned))
	}
	queryPlanLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveURLsSigned(signer string, count int) {
	if count <= 0 {
		return
	}
	urlsSignedTotal.WithLabelValues(signer).Add(float64(count))
}

func IncrementAuthFailure() {
	authFailuresTotal.Inc()
}

func ObserveGatewayRequest(outcome string) {
	gatewayRequestsTotal.WithLabelValues(outcome).Inc()
}
