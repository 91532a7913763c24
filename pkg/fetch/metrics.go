package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for the fetch counter.
const (
	outcomeSuccess     = "success"
	outcomeCacheHit    = "cache_hit"
	outcomeRevalidated = "revalidated"
	outcomeRateLimited = "rate_limited"
	outcomeServerError = "server_error"
	outcomeTransport   = "transport"
)

var fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wiseflow",
	Subsystem: "fetch",
	Name:      "requests_total",
	Help:      "Fetch requests by outcome.",
}, []string{"outcome"})
