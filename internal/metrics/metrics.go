// Package metrics exposes prometheus instrumentation for the verification
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for the verifications counter.
const (
	OutcomeMatch   = "match"
	OutcomeNoMatch = "no_match"
	OutcomeFailed  = "failed"
)

// Collector holds the pipeline's prometheus instruments.
type Collector struct {
	verifications *prometheus.CounterVec
	distance      prometheus.Histogram
}

// NewCollector registers the pipeline instruments with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "face_verifications_total",
			Help: "Verification calls by outcome.",
		}, []string{"outcome"}),
		distance: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "face_verification_distance",
			Help:    "Embedding distance of completed verifications.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 12),
		}),
	}
}

// ObserveVerification records one pipeline outcome. Distance is only
// observed for calls that reached the comparison step.
func (c *Collector) ObserveVerification(success, match bool, distance float64) {
	switch {
	case !success:
		c.verifications.WithLabelValues(OutcomeFailed).Inc()
		return
	case match:
		c.verifications.WithLabelValues(OutcomeMatch).Inc()
	default:
		c.verifications.WithLabelValues(OutcomeNoMatch).Inc()
	}
	c.distance.Observe(distance)
}
