package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects run statistics on a private registry so several runs in
// one process (tests, for instance) never collide. All methods are no-ops on
// a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	pagesTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	htrPolls      prometheus.Histogram
	runsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_pages_total",
				Help: "Pages handled per stage and outcome",
			},
			[]string{"stage", "outcome"}, // outcome: ok, excluded
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "folio_stage_duration_seconds",
				Help:    "Wall-clock duration of a pipeline stage",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"stage"},
		),
		htrPolls: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "folio_htr_polls",
				Help:    "Status polls needed per HTR job",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 50},
			},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_runs_total",
				Help: "Pipeline runs by final stage",
			},
			[]string{"stage", "complete"},
		),
	}
	m.registry.MustRegister(m.pagesTotal, m.stageDuration, m.htrPolls, m.runsTotal)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) page(stage Stage, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "excluded"
	}
	m.pagesTotal.WithLabelValues(stage.String(), outcome).Inc()
}

func (m *Metrics) stage(stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage.String()).Observe(d.Seconds())
}

func (m *Metrics) polls(n int) {
	if m == nil {
		return
	}
	m.htrPolls.Observe(float64(n))
}

func (m *Metrics) run(r Report) {
	if m == nil {
		return
	}
	complete := "false"
	if r.Complete {
		complete = "true"
	}
	m.runsTotal.WithLabelValues(r.Stage.String(), complete).Inc()
}

// WriteTextfile writes the metrics in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
