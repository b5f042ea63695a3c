package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultJobTimeout bounds one background job end to end.
const DefaultJobTimeout = 10 * time.Minute

// RunFunc translates one document, reporting batch progress.
type RunFunc func(ctx context.Context, req DocumentRequest, progress func(done, total int)) (*DocumentResult, error)

// JobProcessor processes translation jobs asynchronously.
type JobProcessor struct {
	run     RunFunc
	timeout time.Duration
	slots   chan struct{}
	logger  *logrus.Logger
}

// NewJobProcessor creates a job processor running at most parallelism jobs
// at once. Jobs beyond that wait in the queued state.
func NewJobProcessor(run RunFunc, timeout time.Duration, parallelism int, logger *logrus.Logger) *JobProcessor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	return &JobProcessor{
		run:     run,
		timeout: timeout,
		slots:   make(chan struct{}, parallelism),
		logger:  logger,
	}
}

// ProcessJob runs job to completion and records the outcome on it.
func (p *JobProcessor) ProcessJob(job *TranslationJob) {
	p.slots <- struct{}{}
	defer func() { <-p.slots }()

	jobsInFlight.Inc()
	defer jobsInFlight.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	log := p.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"request_id": job.RequestID,
	})
	log.Info("Starting translation job processing")
	job.UpdateStatus(JobStatusProcessing, "Starting translation...")

	progress := func(done, total int) {
		if total <= 0 {
			return
		}
		// The final 100 is left to SetResult so it coincides with completion.
		percent := int32(done * 99 / total)
		job.UpdateProgress(percent, fmt.Sprintf("Translated batch %d/%d", done, total))
	}

	result, err := p.run(ctx, job.Request, progress)
	if err != nil {
		log.WithError(err).Error("Translation job failed")
		job.SetError(err)
		jobsTotal.WithLabelValues(string(JobStatusFailed)).Inc()
		return
	}

	job.SetResult(result)
	jobsTotal.WithLabelValues(string(JobStatusCompleted)).Inc()
	log.WithFields(logrus.Fields{
		"duration_ms": result.Duration.Milliseconds(),
		"success":     true,
	}).Info("Translation job completed successfully")
}
