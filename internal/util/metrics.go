package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bids_total",
		Help: "Total number of processed bids by outcome",
	}, []string{"result"})

	BidConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bid_conflicts_total",
		Help: "Total number of bids that lost the highest-bid compare-and-set",
	})

	AuctionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_transitions_total",
		Help: "Total number of auction status transitions",
	}, []string{"to"})

	PaymentVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verifications_total",
		Help: "Total number of payment verifications by outcome",
	}, []string{"outcome"})

	PaymentProviderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_provider_latency_seconds",
		Help:    "Latency of payment provider status lookups",
		Buckets: prometheus.DefBuckets,
	})

	PaymentsFlaggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_flagged_total",
		Help: "Total number of payment intents flagged for reconciliation",
	})

	RaffleTicketsReservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raffle_tickets_reserved_total",
		Help: "Total number of raffle ticket numbers reserved",
	})

	RafflePurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_purchases_total",
		Help: "Total number of raffle purchases by outcome",
	}, []string{"result"})

	ListingsActivatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listings_activated_total",
		Help: "Total number of listings activated after payment",
	})

	CleanupReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cleanup_reclaimed_total",
		Help: "Total number of entities reclaimed by the cleanup worker",
	}, []string{"kind"})

	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Total number of processed jobs by type and outcome",
	}, []string{"type", "outcome"})

	JobsDeadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dead_total",
		Help: "Total number of jobs moved to the dead-letter state",
	}, []string{"type"})

	JobProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_latency_seconds",
		Help:    "Latency of job handlers",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Total number of outbound events published",
	}, []string{"event_type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
