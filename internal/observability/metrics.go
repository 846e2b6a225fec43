package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "event_access",
		Subsystem: "checkin",
		Name:      "tokens_issued_total",
		Help:      "Checkpoint tokens issued, by checkpoint.",
	}, []string{"checkpoint"})
	redemptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "event_access",
		Subsystem: "checkin",
		Name:      "redemptions_total",
		Help:      "Token verification outcomes (recorded, replayed, expired, not_found, error).",
	}, []string{"outcome"})
	allocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "event_access",
		Subsystem: "allocation",
		Name:      "requests_total",
		Help:      "Slot allocation outcomes (assigned, replayed, no_capacity, already_assigned, not_found, error).",
	}, []string{"outcome"})
	storeRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "event_access",
		Subsystem: "store",
		Name:      "retries_total",
		Help:      "Transient store failures retried, by operation.",
	}, []string{"op"})
	tokensSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "event_access",
		Subsystem: "checkin",
		Name:      "tokens_swept_total",
		Help:      "Expired tokens removed by the sweeper.",
	})
	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "event_access",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the token bucket, by route.",
	}, []string{"route"})
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "event_access",
		Subsystem: "http",
		Name:      "cache_lookups_total",
		Help:      "Response cache lookups (hit, miss).",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(tokensIssued, redemptions, allocations, storeRetries, tokensSwept, rateLimited, cacheLookups)
}

// RecordTokenIssued counts an issued token.
func RecordTokenIssued(checkpoint string) { tokensIssued.WithLabelValues(checkpoint).Inc() }

// RecordRedemption counts a verification outcome.
func RecordRedemption(outcome string) { redemptions.WithLabelValues(outcome).Inc() }

// RecordAllocation counts an allocation outcome.
func RecordAllocation(outcome string) { allocations.WithLabelValues(outcome).Inc() }

// RecordStoreRetry counts one retried store failure.
func RecordStoreRetry(op string) { storeRetries.WithLabelValues(op).Inc() }

// RecordTokensSwept adds n swept tokens.
func RecordTokensSwept(n int64) {
	if n > 0 {
		tokensSwept.Add(float64(n))
	}
}

// RecordRateLimited counts a request rejected on route.
func RecordRateLimited(route string) { rateLimited.WithLabelValues(route).Inc() }

// RecordCacheLookup counts a response cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}
