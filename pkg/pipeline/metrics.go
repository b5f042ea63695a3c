package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dasmlab/jsonrelay/pkg/codec"
)

var (
	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonrelay_pipeline_runs_total",
			Help: "Total number of document translations by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	delimiterAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonrelay_delimiter_attempts_total",
			Help: "Delimiter candidate attempts by candidate and result",
		},
		[]string{"delimiter", "result"},
	)

	batchesPerRun = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jsonrelay_pipeline_batches",
			Help:    "Number of batches sent per leaf strategy run",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)
)

func recordRun(strategy Strategy, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(kindLabel(err))
	}
	pipelineRunsTotal.WithLabelValues(string(strategy), outcome).Inc()
}

func recordAttempts(attempts []codec.Attempt) {
	for _, a := range attempts {
		delimiterAttemptsTotal.WithLabelValues(a.Delimiter, string(a.Result)).Inc()
	}
}
