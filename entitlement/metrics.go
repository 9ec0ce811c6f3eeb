package entitlement

import "github.com/prometheus/client_golang/prometheus"

type engineMetrics struct {
	activations         *prometheus.CounterVec
	deactivations       *prometheus.CounterVec
	lifecycle           *prometheus.CounterVec
	retries             prometheus.Counter
	invariantViolations prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cnw",
				Subsystem: "license",
				Name:      "activations_total",
				Help:      "Activation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		deactivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cnw",
				Subsystem: "license",
				Name:      "deactivations_total",
				Help:      "Deactivation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		lifecycle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cnw",
				Subsystem: "license",
				Name:      "lifecycle_total",
				Help:      "Committed lifecycle operations by operation.",
			},
			[]string{"op"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cnw",
			Subsystem: "license",
			Name:      "store_retries_total",
			Help:      "Store updates retried after a transient conflict.",
		}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cnw",
			Subsystem: "license",
			Name:      "invariant_violations_total",
			Help:      "Activation count clamps at zero during deactivation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.activations, m.deactivations, m.lifecycle, m.retries, m.invariantViolations)
	}
	return m
}

// outcomeLabel maps an operation result to a bounded label value.
func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}
