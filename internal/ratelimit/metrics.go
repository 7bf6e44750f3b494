// metrics.go: Prometheus collectors for the admission layer
package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultAllowed = "allowed"
	resultDenied  = "denied"

	tierIPv4 = "ipv4"
	tier48   = "ipv6_prefix48"
	tier56   = "ipv6_prefix56"
	tier64   = "ipv6_prefix64"
)

var (
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "ratelimit",
			Name:      "checks_total",
			Help:      "Admission checks processed, by action type and outcome",
		},
		[]string{"action", "result"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "edgegate",
			Subsystem: "ratelimit",
			Name:      "sweep_duration_seconds",
			Help:      "Time spent evicting full bucket groups",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	trackedGroups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgegate",
			Subsystem: "ratelimit",
			Name:      "tracked_groups",
			Help:      "Bucket groups currently resident, by address tier",
		},
		[]string{"tier"},
	)
)

func recordStats(st Stats) {
	trackedGroups.WithLabelValues(tierIPv4).Set(float64(st.IPv4Groups))
	trackedGroups.WithLabelValues(tier48).Set(float64(st.IPv6Prefix48))
	trackedGroups.WithLabelValues(tier56).Set(float64(st.IPv6Prefix56))
	trackedGroups.WithLabelValues(tier64).Set(float64(st.IPv6Prefix64))
}
