package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay groups the gateway's Prometheus collectors. A nil *Relay is a no-op
// so domain code never branches on whether metrics are wired.
type Relay struct {
	requests   *prometheus.CounterVec
	rejections *prometheus.CounterVec
	dispatch   prometheus.Histogram
}

// NewRelay builds and registers the relay collectors.
func NewRelay(reg prometheus.Registerer) *Relay {
	r := &Relay{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Relay submissions by outcome.",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rejections_total",
			Help: "Relay submissions rejected before dispatch, by reason.",
		}, []string{"reason"}),
		dispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_dispatch_seconds",
			Help:    "Latency of forwarded target calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.requests, r.rejections, r.dispatch)
	return r
}

// Reject counts a pre-dispatch rejection.
func (r *Relay) Reject(reason string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(reason).Inc()
	r.requests.WithLabelValues("rejected").Inc()
}

// Observe counts a dispatched submission and its latency.
func (r *Relay) Observe(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(outcome).Inc()
	r.dispatch.Observe(d.Seconds())
}
