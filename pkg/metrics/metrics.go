package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	SubscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yangd_subscriptions_total",
			Help: "Total number of active subscriptions by kind",
		},
		[]string{"kind"},
	)

	SubscriptionGroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yangd_subscription_groups_total",
			Help: "Total number of active subscription groups",
		},
	)

	// Event record store metrics
	EventRecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yangd_event_records_total",
			Help: "Total number of event records by state",
		},
		[]string{"state"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yangd_events_published_total",
			Help: "Total number of events published by phase",
		},
		[]string{"phase"},
	)

	EventsShelvedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yangd_events_shelved_total",
			Help: "Total number of times a callback returned shelve",
		},
	)

	EventsTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yangd_events_timed_out_total",
			Help: "Total number of event records that reached the timed-out state",
		},
	)

	EventsRejectedNoSpaceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yangd_events_rejected_no_space_total",
			Help: "Total number of publishes rejected because a group's queue was full",
		},
	)

	// Transaction metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yangd_transactions_total",
			Help: "Total number of change transactions by outcome",
		},
		[]string{"outcome"}, // committed, aborted
	)

	TransactionPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yangd_transaction_phase_duration_seconds",
			Help:    "Time spent in each two-phase-commit phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// RPC dispatcher metrics
	RPCDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yangd_rpc_dispatch_duration_seconds",
			Help:    "Time taken to dispatch an RPC/action to all matching subscribers",
			Buckets: prometheus.DefBuckets,
		},
	)

	RPCInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yangd_rpc_invocations_total",
			Help: "Total number of RPC invocations by outcome",
		},
		[]string{"outcome"},
	)

	// Notification broker metrics
	NotificationsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yangd_notifications_delivered_total",
			Help: "Total number of notifications delivered by phase",
		},
		[]string{"phase"}, // notif-realtime, notif-replay
	)

	NotificationRetentionPruneDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yangd_notification_retention_prune_duration_seconds",
			Help:    "Time taken for a NotificationLog retention pruning pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	NotificationRetentionPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yangd_notification_retention_pruned_total",
			Help: "Total number of notification log entries purged by retention pruning",
		},
	)

	// Operational composer metrics
	OperationalComposeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yangd_operational_compose_duration_seconds",
			Help:    "Time taken to compose an operational read across providers",
			Buckets: prometheus.DefBuckets,
		},
	)

	OperationalProvidersInvokedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yangd_operational_providers_invoked_total",
			Help: "Total number of operational provider callbacks invoked",
		},
	)
)

func init() {
	prometheus.MustRegister(SubscriptionsTotal)
	prometheus.MustRegister(SubscriptionGroupsTotal)
	prometheus.MustRegister(EventRecordsTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsShelvedTotal)
	prometheus.MustRegister(EventsTimedOutTotal)
	prometheus.MustRegister(EventsRejectedNoSpaceTotal)
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TransactionPhaseDuration)
	prometheus.MustRegister(RPCDispatchDuration)
	prometheus.MustRegister(RPCInvocationsTotal)
	prometheus.MustRegister(NotificationsDeliveredTotal)
	prometheus.MustRegister(NotificationRetentionPruneDuration)
	prometheus.MustRegister(NotificationRetentionPrunedTotal)
	prometheus.MustRegister(OperationalComposeDuration)
	prometheus.MustRegister(OperationalProvidersInvokedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
