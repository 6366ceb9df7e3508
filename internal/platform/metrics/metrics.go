package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingress metrics
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_webhooks_received_total",
			Help: "Inbound webhooks by result (accepted, duplicate, rejected)",
		},
		[]string{"result"},
	)

	PayloadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookrelay_payload_bytes",
			Help:    "Size of accepted payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)

	PayloadsOffloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_payloads_offloaded_total",
			Help: "Payloads written to the blob store instead of inline",
		},
	)

	EnqueueErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_enqueue_errors_total",
			Help: "Tasks that could not be enqueued after the webhook was stored",
		},
	)

	// Delivery metrics
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_delivery_attempts_total",
			Help: "Delivery attempts by classified outcome",
		},
		[]string{"outcome"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookrelay_delivery_duration_seconds",
			Help:    "Duration of outbound delivery requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhooksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_webhooks_finished_total",
			Help: "Webhooks reaching a terminal status",
		},
		[]string{"status"},
	)

	InfraRedeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_infra_redeliveries_total",
			Help: "Tasks returned to the queue because of an infrastructure fault",
		},
	)

	TargetWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookrelay_target_wait_seconds",
			Help:    "Time spent waiting for a per-target concurrency slot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciliation metrics
	Reconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_reconciled_total",
			Help: "Tasks re-enqueued by the reconciliation sweep for orphaned or stalled pending webhooks",
		},
	)
)
