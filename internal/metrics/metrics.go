// Package metrics records deployer activity as Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Recorder groups the deployer's collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	stageDuration    *prometheus.HistogramVec
	inFlight         prometheus.Gauge
	transfersTotal   *prometheus.CounterVec
	transferredBytes *prometheus.CounterVec
}

// New creates a Recorder and registers its collectors with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localvercel",
			Subsystem: "deployer",
			Name:      "jobs_total",
			Help:      "Number of processed deploy jobs by outcome",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localvercel",
			Subsystem: "deployer",
			Name:      "job_duration_seconds",
			Help:      "Wall time of deploy jobs",
			Buckets:   histogramBuckets,
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localvercel",
			Subsystem: "deployer",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of individual pipeline stages",
			Buckets:   histogramBuckets,
		}, []string{"stage", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localvercel",
			Subsystem: "deployer",
			Name:      "jobs_in_flight",
			Help:      "Deploy jobs currently running",
		}),
		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localvercel",
			Subsystem: "deployer",
			Name:      "object_transfers_total",
			Help:      "Object store transfers by direction and outcome",
		}, []string{"direction", "outcome"}),
		transferredBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localvercel",
			Subsystem: "deployer",
			Name:      "object_transfer_bytes_total",
			Help:      "Bytes moved to or from the object store",
		}, []string{"direction"}),
	}
	r.jobsTotal = register(reg, r.jobsTotal)
	r.jobDuration = register(reg, r.jobDuration)
	r.stageDuration = register(reg, r.stageDuration)
	r.inFlight = register(reg, r.inFlight)
	r.transfersTotal = register(reg, r.transfersTotal)
	r.transferredBytes = register(reg, r.transferredBytes)
	return r
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}

// JobStarted marks a job as running.
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

// JobFinished records a terminal outcome and the job's duration.
func (r *Recorder) JobFinished(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.inFlight.Dec()
	r.jobsTotal.WithLabelValues(outcome).Inc()
	r.jobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveStage records the duration of one pipeline stage.
func (r *Recorder) ObserveStage(stage string, ok bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage, outcome(ok)).Observe(elapsed.Seconds())
}

// ObserveTransfer records a single object transfer.
func (r *Recorder) ObserveTransfer(direction string, ok bool, bytes int64) {
	if r == nil {
		return
	}
	r.transfersTotal.WithLabelValues(direction, outcome(ok)).Inc()
	if ok && bytes > 0 {
		r.transferredBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
