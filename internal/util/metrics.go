package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_purchases_created_total",
		Help: "Total number of purchases created at the processor",
	}, []string{"gateway"})

	PurchaseCreateFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_purchase_create_failed_total",
		Help: "Total number of failed purchase creations",
	}, []string{"gateway", "reason"})

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconcile_total",
		Help: "Total number of reconciliations by outcome",
	}, []string{"source", "outcome"})

	OrdersPaidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_orders_paid_total",
		Help: "Total number of orders marked paid",
	}, []string{"gateway"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_orders_failed_total",
		Help: "Total number of orders marked failed",
	}, []string{"gateway", "reason"})

	CaptureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_capture_total",
		Help: "Total number of capture and void actions by result",
	}, []string{"action", "result"})

	RefundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_refund_total",
		Help: "Total number of refunds by result",
	}, []string{"result"})

	RequeryJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_requery_jobs_total",
		Help: "Total number of requery job executions by result",
	}, []string{"result"})

	JobsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_jobs_dispatched_total",
		Help: "Total number of due jobs moved to the job topic",
	}, []string{"type"})

	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_lock_wait_seconds",
		Help:    "Time spent waiting for the per-order lock",
		Buckets: prometheus.DefBuckets,
	})

	LockTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_lock_timeouts_total",
		Help: "Total number of lock acquisitions that timed out",
	}, []string{"policy"})

	CallbacksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_rejected_total",
		Help: "Total number of rejected callbacks",
	}, []string{"reason"})

	TokensStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_tokens_stored_total",
		Help: "Total number of card tokens minted locally",
	})

	TokensInvalidatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_tokens_invalidated_total",
		Help: "Total number of tokens deleted after an invalid token charge",
	})

	RenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_renewals_total",
		Help: "Total number of token renewals by outcome",
	}, []string{"outcome"})

	ProcessorRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_processor_request_duration_seconds",
		Help:    "Latency of processor API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

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
