package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	OrdersDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_deleted_total",
		Help: "Total number of pending orders deleted by their buyer",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Order status transitions by edge and outcome",
	}, []string{"from", "to", "outcome"})

	StockMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_mutation_batches_total",
		Help: "Stock mutation batches by direction and outcome",
	}, []string{"direction", "outcome"})

	StockMutationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stock_mutation_latency_seconds",
		Help:    "Latency of stock mutation batches",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	StockRollbackFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_rollback_failures_total",
		Help: "Stock batches whose compensation did not complete",
	})

	NotificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_publish_failures_total",
		Help: "Notifications that could not be published",
	}, []string{"type"})

	NotificationsStoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_stored_total",
		Help: "Notifications persisted to user inboxes",
	}, []string{"type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
)
