package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics groups the engine's Prometheus collectors. A nil Registerer in
// Config leaves them unregistered but still usable.
type metrics struct {
	loadsTotal         *prometheus.CounterVec
	generationsTotal   *prometheus.CounterVec
	fragmentsTotal     prometheus.Counter
	generationDuration *prometheus.HistogramVec
	rejectionsTotal    *prometheus.CounterVec
	modelLoaded        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		loadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lmbridge",
				Subsystem: "engine",
				Name:      "model_loads_total",
				Help:      "Model initialize attempts by outcome",
			},
			[]string{"outcome"},
		),
		generationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lmbridge",
				Subsystem: "engine",
				Name:      "generations_total",
				Help:      "Finished generations by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		fragmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lmbridge",
				Subsystem: "engine",
				Name:      "fragments_total",
				Help:      "Partial text fragments produced by the backend",
			},
		),
		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lmbridge",
				Subsystem: "engine",
				Name:      "generation_duration_seconds",
				Help:      "Wall time of generations, admission wait included",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		rejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lmbridge",
				Subsystem: "engine",
				Name:      "admission_rejections_total",
				Help:      "Requests rejected by admission control",
			},
			[]string{"reason"},
		),
		modelLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "lmbridge",
				Subsystem: "engine",
				Name:      "model_loaded",
				Help:      "1 while a model handle is live",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.loadsTotal, m.generationsTotal, m.fragmentsTotal, m.generationDuration, m.rejectionsTotal, m.modelLoaded)
	}
	return m
}
