package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tie_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tie_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	HoldsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tie_holds_created_total",
			Help: "Holds created, by actor kind",
		},
		[]string{"actor"},
	)

	HoldConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tie_hold_conflicts_total",
			Help: "Hold requests rejected, by reason",
		},
		[]string{"reason"},
	)

	HoldsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tie_holds_expired_total",
			Help: "Holds moved to EXPIRED",
		},
	)

	TicketsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tie_tickets_issued_total",
			Help: "Tickets issued",
		},
	)

	TicketsVoided = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tie_tickets_voided_total",
			Help: "Tickets voided",
		},
	)

	InventoryConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tie_inventory_conflicts_total",
			Help: "Finalize calls that could not commit a held unit",
		},
	)

	WaitlistOffers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tie_waitlist_offers_total",
			Help: "Waitlist entries promoted to a hold",
		},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tie_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tie_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tie_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(
		RequestsTotal, DBTxDuration, HoldsCreated, HoldConflicts, HoldsExpired,
		TicketsIssued, TicketsVoided, InventoryConflicts, WaitlistOffers,
		OutboxLag, RabbitPublishRetries, RateLimitExceeded,
	)
}
