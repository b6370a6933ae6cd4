package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	gradingRequestsTotal  *prometheus.CounterVec
	gradingLatencySeconds *prometheus.HistogramVec
	gradingErrorsTotal    *prometheus.CounterVec
	pipelineRunSeconds    *prometheus.HistogramVec
	stageFailuresTotal    *prometheus.CounterVec
	traitOutcomesTotal    *prometheus.CounterVec
	jobsInFlight          prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the grading API and pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		gradingRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_requests_total",
			Help: "Total number of grading API requests served.",
		}, []string{"method", "route", "status"})

		gradingLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_latency_seconds",
			Help:    "Latency distribution for grading API requests.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"method", "route"})

		gradingErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_errors_total",
			Help: "Total number of error responses returned by grading endpoints.",
		}, []string{"method", "route", "status"})

		pipelineRunSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_pipeline_run_seconds",
			Help:    "Duration of complete auto-grading pipeline runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480, 900},
		}, []string{"result"})

		stageFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_stage_failures_total",
			Help: "Number of pipeline runs that terminated in a failed stage.",
		}, []string{"stage"})

		traitOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_trait_outcomes_total",
			Help: "Per-trait reconciliation outcomes.",
		}, []string{"outcome"})

		jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_jobs_in_flight",
			Help: "Background grading jobs currently running.",
		})

		prometheus.MustRegister(
			gradingRequestsTotal,
			gradingLatencySeconds,
			gradingErrorsTotal,
			pipelineRunSeconds,
			stageFailuresTotal,
			traitOutcomesTotal,
			jobsInFlight,
		)
	})
}

// GradingRequests exposes the counter for grading API requests.
func GradingRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingRequestsTotal
}

// GradingLatency exposes the latency histogram for grading API requests.
func GradingLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingLatencySeconds
}

// GradingErrors exposes the counter for grading error responses.
func GradingErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingErrorsTotal
}

// PipelineRuns exposes the pipeline duration histogram, labelled succeeded or failed.
func PipelineRuns() *prometheus.HistogramVec {
	RegisterMetrics()
	return pipelineRunSeconds
}

// StageFailures exposes the counter of fatal stage failures.
func StageFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return stageFailuresTotal
}

// TraitOutcomes exposes the counter of per-trait reconciliation outcomes.
func TraitOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return traitOutcomesTotal
}

// JobsInFlight exposes the gauge of running background jobs.
func JobsInFlight() prometheus.Gauge {
	RegisterMetrics()
	return jobsInFlight
}
