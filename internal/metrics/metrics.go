package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	LedgerRequests    *prometheus.CounterVec
	LedgerLatency     *prometheus.HistogramVec
	RateRequests      *prometheus.CounterVec
	RateStale         prometheus.Counter
	ReconcileOutcomes *prometheus.CounterVec
	CreditRetries     prometheus.Counter
	CommissionCredits *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	SchedulerPasses   *prometheus.CounterVec
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			LedgerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_requests_total",
				Help:      "Total TON Center API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			LedgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_request_duration_seconds",
				Help:      "Latency distribution for TON Center API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			RateRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_requests_total",
				Help:      "Total exchange rate lookups by outcome.",
			}, []string{"status"}),
			RateStale: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_stale_total",
				Help:      "Exchange rate lookups answered from the last known good value.",
			}),
			ReconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_outcomes_total",
				Help:      "Reconciliation results grouped by outcome.",
			}, []string{"outcome"}),
			CreditRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credit_retries_total",
				Help:      "Retried confirm-and-credit transactions.",
			}),
			CommissionCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commission_credits_total",
				Help:      "Referral commission credits by level and status.",
			}, []string{"level", "status"}),
			Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Outbound notifications by channel and status.",
			}, []string{"channel", "status"}),
			SchedulerPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_passes_total",
				Help:      "Reconciliation passes by trigger.",
			}, []string{"trigger"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.LedgerRequests,
			metricsInstance.LedgerLatency,
			metricsInstance.RateRequests,
			metricsInstance.RateStale,
			metricsInstance.ReconcileOutcomes,
			metricsInstance.CreditRetries,
			metricsInstance.CommissionCredits,
			metricsInstance.Notifications,
			metricsInstance.SchedulerPasses,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
