package sapling

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	parses        *prometheus.CounterVec
	analyses      *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		parses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sapling_parses_total",
			Help: "Parses finished, by result (ok, error, superseded, unreadable).",
		}, []string{"result"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sapling_analyses_total",
			Help: "Analysis units executed, by result (ok, error, skipped).",
		}, []string{"result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sapling_invalidations_total",
			Help: "Entries re-enqueued by dependency invalidation, by trigger.",
		}, []string{"trigger"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sapling_queue_depth",
			Help: "Pending work per stage and priority.",
		}, []string{"stage", "priority"}),
	}
	m.parses = register(reg, m.parses)
	m.analyses = register(reg, m.analyses)
	m.invalidations = register(reg, m.invalidations)
	m.queueDepth = register(reg, m.queueDepth)
	return m
}

// register adds c to reg. When an identical collector is already registered
// (two engines sharing one registry) the existing one is reused.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
