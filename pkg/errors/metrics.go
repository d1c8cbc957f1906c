package errors

import (
	stderrors "errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts activity of the error-reporting core
type Metrics struct {
	messages     *prometheus.CounterVec
	clears       prometheus.Counter
	truncations  prometheus.Counter
	terminations *prometheus.CounterVec
	crashSignals *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered; they still count.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usp_err_messages_total",
				Help: "Total number of rendered error messages by scope",
			},
			[]string{"scope"},
		),
		clears: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "usp_err_clears_total",
				Help: "Total number of error message clears",
			},
		),
		truncations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "usp_err_truncations_total",
				Help: "Total number of error messages cut to capacity",
			},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usp_err_terminations_total",
				Help: "Total number of fatal terminations by kind",
			},
			[]string{"kind"},
		),
		crashSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usp_err_crash_signals_total",
				Help: "Total number of memory faults handled by the crash handler",
			},
			[]string{"signal"},
		),
	}

	if reg != nil {
		m.messages = register(reg, m.messages)
		m.clears = register(reg, m.clears)
		m.truncations = register(reg, m.truncations)
		m.terminations = register(reg, m.terminations)
		m.crashSignals = register(reg, m.crashSignals)
	}

	return m
}

// register returns the already-registered collector when an identical one
// exists, so two systems on one registry share counters.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if stderrors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// Messages returns the message counter for a scope
func (m *Metrics) Messages(scope MessageScope) prometheus.Counter {
	return m.messages.WithLabelValues(string(scope))
}

// Clears returns the clear counter
func (m *Metrics) Clears() prometheus.Counter {
	return m.clears
}

// Truncations returns the truncation counter
func (m *Metrics) Truncations() prometheus.Counter {
	return m.truncations
}

// Terminations returns the termination counter for a kind
func (m *Metrics) Terminations(kind string) prometheus.Counter {
	return m.terminations.WithLabelValues(kind)
}

// CrashSignals returns the crash counter for a signal name
func (m *Metrics) CrashSignals(signal string) prometheus.Counter {
	return m.crashSignals.WithLabelValues(signal)
}
