package portalmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinic",
		Subsystem: "portal",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clinic",
		Subsystem: "portal",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// GuardOutcomes counts idempotency guard results
	// (acquired, duplicate, unavailable, finalized, released, extended).
	GuardOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinic",
		Subsystem: "portal",
		Name:      "idempotency_guard_total",
		Help:      "Idempotency guard outcomes.",
	}, []string{"outcome"})

	// EntitlementTransitions counts written access changes.
	EntitlementTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinic",
		Subsystem: "portal",
		Name:      "entitlement_transitions_total",
		Help:      "Entitlement changes by action, source and resulting status.",
	}, []string{"action", "source", "status"})

	// ManualGrantsTotal counts operator trial grants by outcome.
	ManualGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinic",
		Subsystem: "portal",
		Name:      "manual_grants_total",
		Help:      "Operator trial grants by outcome.",
	}, []string{"outcome"})
)
