package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// SalesSubmittedTotal counts direct sale submissions by outcome.
	SalesSubmittedTotal *prometheus.CounterVec
	// SalesQueuedTotal counts sales diverted to the offline retry queue.
	SalesQueuedTotal prometheus.Counter
	// OfflineReplayTotal counts replay attempts of queued sales by outcome.
	OfflineReplayTotal *prometheus.CounterVec
	// CheckoutTransitionsTotal counts checkout state machine transitions.
	CheckoutTransitionsTotal *prometheus.CounterVec
	// SaleSubmitLatency records backend sale submission latency in milliseconds.
	SaleSubmitLatency *prometheus.HistogramVec
	// OpenSessions reports the number of live cart sessions.
	OpenSessions prometheus.Gauge
)

// MustRegisterDomainMetrics initialises and registers POS collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		SalesSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_submitted_total",
			Help:      "Count of sale submissions to the retail backend by result.",
		}, []string{"result"})
		SalesQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_queued_total",
			Help:      "Number of sales placed on the offline retry queue.",
		})
		OfflineReplayTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_replay_total",
			Help:      "Replays of queued sales by result.",
		}, []string{"result"})
		CheckoutTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_transitions_total",
			Help:      "Checkout flow state transitions.",
		}, []string{"from", "to"})
		SaleSubmitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sale_submit_duration_ms",
			Help:      "Latency of sale submissions in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"result"})
		OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Number of cart sessions currently held in memory.",
		})

		mustRegisterCollector(reg, SalesSubmittedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SalesSubmittedTotal = v
			}
		})
		mustRegisterCollector(reg, SalesQueuedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				SalesQueuedTotal = v
			}
		})
		mustRegisterCollector(reg, OfflineReplayTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OfflineReplayTotal = v
			}
		})
		mustRegisterCollector(reg, CheckoutTransitionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CheckoutTransitionsTotal = v
			}
		})
		mustRegisterCollector(reg, SaleSubmitLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				SaleSubmitLatency = v
			}
		})
		mustRegisterCollector(reg, OpenSessions, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				OpenSessions = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
