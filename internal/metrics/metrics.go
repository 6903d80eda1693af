// Package metrics exposes pipeline counters and timings as prometheus collectors.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"nanolab/internal/cnp"
	"nanolab/internal/config"
)

// Sink receives every metric the pipeline emits.
type Sink interface {
	cnp.Recorder
	ObserveStage(ctx context.Context, stage string, success bool, duration time.Duration)
	ObserveIngest(outcome string)
	// WriteTextfile dumps the current values in the node exporter textfile format.
	WriteTextfile(path string) error
}

// Ingest outcome labels.
const (
	IngestLoaded  = "loaded"
	IngestSkipped = "skipped"
)

// Recorder implements Sink on top of a prometheus registry.
type Recorder struct {
	gatherer    prometheus.Gatherer
	fits        *prometheus.CounterVec
	experiments *prometheus.CounterVec
	ingest      *prometheus.CounterVec
	stages      *prometheus.HistogramVec
}

var _ Sink = (*Recorder)(nil)

// New registers the collectors on reg under namespace.
func New(reg *prometheus.Registry, namespace string) (*Recorder, error) {
	if namespace == "" {
		namespace = "nanolab"
	}
	r := &Recorder{
		gatherer: reg,
		fits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cnp",
			Name:      "fits_total",
			Help:      "CNP fits by sweep direction and outcome.",
		}, []string{"direction", "outcome"}),
		experiments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cnp",
			Name:      "batch_experiments_total",
			Help:      "Experiments handled by the annotator, by outcome.",
		}, []string{"outcome"}),
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "experiments_total",
			Help:      "Raw measurement files loaded or skipped during separation.",
		}, []string{"outcome"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage", "status"}),
	}
	for _, c := range []prometheus.Collector{r.fits, r.experiments, r.ingest, r.stages} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// ObserveFit counts one directional fit.
func (r *Recorder) ObserveFit(direction cnp.Direction, outcome string) {
	r.fits.WithLabelValues(string(direction), outcome).Inc()
}

// ObserveExperiment counts one annotated, skipped or failed experiment.
func (r *Recorder) ObserveExperiment(outcome string) {
	r.experiments.WithLabelValues(outcome).Inc()
}

// ObserveIngest counts one raw file outcome.
func (r *Recorder) ObserveIngest(outcome string) {
	r.ingest.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a pipeline stage took.
func (r *Recorder) ObserveStage(_ context.Context, stage string, success bool, duration time.Duration) {
	if stage == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.stages.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// WriteTextfile writes all gathered metrics to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.gatherer)
}

// Noop discards everything.
type Noop struct{}

var _ Sink = Noop{}

func (Noop) ObserveFit(cnp.Direction, string)                          {}
func (Noop) ObserveExperiment(string)                                  {}
func (Noop) ObserveIngest(string)                                      {}
func (Noop) ObserveStage(context.Context, string, bool, time.Duration) {}
func (Noop) WriteTextfile(string) error                                { return nil }

// FromConfig builds a Recorder on a fresh registry, or Noop when metrics are disabled.
func FromConfig(cfg config.Metrics) (Sink, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return New(prometheus.NewRegistry(), cfg.Namespace)
}
