package resilience

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BreakerState = registerGaugeVec(prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pos_breaker_state",
			Help: "Current breaker state per dependency: 0=closed,1=open,2=half-open",
		},
		[]string{"target"},
	))
	BreakerTransitions = registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_breaker_transition_total",
			Help: "Count of breaker state transitions",
		},
		[]string{"target", "from", "to"},
	))
	BreakerOpenedTotal = registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_breaker_open_total",
			Help: "Number of times a breaker transitioned into open state",
		},
		[]string{"target"},
	))
	UpstreamAttempts = registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_upstream_attempts_total",
			Help: "HTTP attempts made against upstream dependencies by outcome",
		},
		[]string{"target", "outcome"},
	))
)

func registerGaugeVec(c *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
