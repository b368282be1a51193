package submq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics wraps the Prometheus collectors a SubscriptionService reports.
// Every SubscriptionService has its own Metrics, registered on
// Config.Registerer; when that is left unset it is a private registry, so
// running several such services in one process never collides on metric
// names.
type Metrics struct {
	SubscribeTotal           *prometheus.CounterVec
	UnsubscribeTotal         *prometheus.CounterVec
	SearchSubscribersSeconds prometheus.Histogram
	ClusterEventsApplied     *prometheus.CounterVec
	ClusterEventsDropped     *prometheus.CounterVec
	ColdStartReloadSeconds   prometheus.Histogram
	ColdStartReloadFilters   prometheus.Gauge
}

// NewMetrics creates and registers a fresh set of collectors on reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to expose them process-wide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SubscribeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "submq_subscribe_total",
			Help: "Total number of successful Subscribe calls.",
		}, []string{"clean_session"}),
		UnsubscribeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "submq_unsubscribe_total",
			Help: "Total number of successful Unsubscribe calls.",
		}, []string{"clean_session"}),
		SearchSubscribersSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "submq_search_subscribers_duration_seconds",
			Help:    "Duration of SearchSubscribers calls.",
			Buckets: prometheus.DefBuckets,
		}),
		ClusterEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "submq_cluster_events_applied_total",
			Help: "Total number of inbound cluster events successfully applied.",
		}, []string{"type"}),
		ClusterEventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "submq_cluster_events_dropped_total",
			Help: "Total number of inbound cluster events dropped.",
		}, []string{"reason"}),
		ColdStartReloadSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "submq_cold_start_reload_duration_seconds",
			Help:    "Duration of the cold-start durable-filter reload.",
			Buckets: prometheus.DefBuckets,
		}),
		ColdStartReloadFilters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "submq_cold_start_reload_filters",
			Help: "Number of durable filters loaded at the last cold start.",
		}),
	}
}

func cleanSessionLabel(cleanSession bool) string {
	if cleanSession {
		return "true"
	}
	return "false"
}
