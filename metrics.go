// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "asyncrpc"

// Metrics are the Prometheus collectors updated by engines. Several engines
// may share one [*Metrics].
type Metrics struct {
	Admitted  prometheus.Counter
	Rejected  *prometheus.CounterVec
	Completed *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	SlotsLost prometheus.Counter
	Events    *prometheus.CounterVec
	Deferred  prometheus.Counter
	Live      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg, unless reg
// is nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_admitted_total",
			Help:      "Calls admitted by the call factory.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_rejected_total",
			Help:      "Admissions rejected by the budget or the concurrency limit.",
		}, []string{"reason"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_completed_total",
			Help:      "Calls torn down with an OK status.",
		}, []string{"shape"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_failed_total",
			Help:      "Calls torn down with an error status.",
		}, []string{"shape"}),
		SlotsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "slots_lost_total",
			Help:      "Acceptance slots lost because a call could not be constructed.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Completions dispatched, by operation.",
		}, []string{"op"}),
		Deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deferred_total",
			Help:      "Completions pushed to the back of the queue.",
		}),
		Live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "calls_live",
			Help:      "Calls currently admitted and not torn down.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Admitted, m.Rejected, m.Completed, m.Failed,
		m.SlotsLost, m.Events, m.Deferred, m.Live,
	}
}

// rejectReason is the metric label of an admission rejection.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrBudgetExhausted):
		return "budget"
	case errors.Is(err, ErrConcurrencyLimit):
		return "concurrency"
	default:
		return "other"
	}
}
