package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dasmlab/jsonrelay/pkg/document"
	"github.com/dasmlab/jsonrelay/pkg/failure"
)

// ErrJobNotFound is returned by GetJob for unknown or expired IDs.
var ErrJobNotFound = errors.New("job not found")

// TranslationJobStatus represents the status of a translation job.
type TranslationJobStatus string

const (
	JobStatusQueued     TranslationJobStatus = "queued"
	JobStatusProcessing TranslationJobStatus = "processing"
	JobStatusCompleted  TranslationJobStatus = "completed"
	JobStatusFailed     TranslationJobStatus = "failed"
)

// TranslationJob represents an asynchronous document translation.
type TranslationJob struct {
	ID          string
	RequestID   string // Client-provided ID
	Status      TranslationJobStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	ErrorKind   failure.Kind

	// Request data
	Request DocumentRequest

	// Result data
	Result   []byte
	Leaves   int
	Attempts int
	Duration time.Duration

	ProgressPercent int32
	ProgressMessage string

	mu sync.RWMutex
}

// JobSnapshot is a consistent copy of a job for rendering.
type JobSnapshot struct {
	ID              string               `json:"job_id"`
	RequestID       string               `json:"request_id,omitempty"`
	Status          TranslationJobStatus `json:"status"`
	ProgressPercent int32                `json:"progress_percent"`
	ProgressMessage string               `json:"progress_message,omitempty"`
	Error           string               `json:"error,omitempty"`
	ErrorKind       failure.Kind         `json:"error_kind,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	Leaves          int                  `json:"leaves,omitempty"`
	DurationSeconds float64              `json:"duration_seconds,omitempty"`
	// Result is the translated document; it is only set once completed.
	Result []byte `json:"-"`
}

// JobQueue manages asynchronous translation jobs.
type JobQueue struct {
	jobs      map[string]*TranslationJob
	jobsMu    sync.RWMutex
	logger    *logrus.Logger
	processor *JobProcessor
}

// NewJobQueue creates a new job queue.
func NewJobQueue(logger *logrus.Logger) *JobQueue {
	if logger == nil {
		logger = logrus.New()
	}
	return &JobQueue{
		jobs:   make(map[string]*TranslationJob),
		logger: logger,
	}
}

// SetProcessor sets the job processor for this queue.
func (q *JobQueue) SetProcessor(processor *JobProcessor) {
	q.processor = processor
}

// CreateJob validates req, stores a new job and starts it when a processor
// is set. Documents that do not parse are rejected here rather than failing
// later in the background.
func (q *JobQueue) CreateJob(req DocumentRequest) (string, error) {
	if _, _, err := validateLanguages(req.SourceLanguage, req.TargetLanguage); err != nil {
		return "", err
	}
	if _, err := document.Parse(req.Document); err != nil {
		return "", failure.New(failure.InvalidRequest, "parse", err)
	}

	jobID := uuid.New().String()
	if req.RequestID == "" {
		req.RequestID = jobID
	}
	job := &TranslationJob{
		ID:        jobID,
		RequestID: req.RequestID,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
		Request:   req,
	}

	q.jobsMu.Lock()
	q.jobs[jobID] = job
	q.jobsMu.Unlock()
	jobsTotal.WithLabelValues(string(JobStatusQueued)).Inc()

	q.logger.WithFields(logrus.Fields{
		"job_id":     jobID,
		"request_id": req.RequestID,
		"strategy":   req.Strategy,
	}).Info("Created translation job")

	if q.processor != nil {
		go q.processor.ProcessJob(job)
	}

	return jobID, nil
}

// GetJob retrieves a job by ID.
func (q *JobQueue) GetJob(jobID string) (*TranslationJob, error) {
	q.jobsMu.RLock()
	defer q.jobsMu.RUnlock()

	job, exists := q.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

// Len returns the number of tracked jobs.
func (q *JobQueue) Len() int {
	q.jobsMu.RLock()
	defer q.jobsMu.RUnlock()
	return len(q.jobs)
}

// UpdateStatus updates the status of a job.
func (j *TranslationJob) UpdateStatus(status TranslationJobStatus, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.Status = status
	j.ProgressMessage = message

	now := time.Now()
	switch status {
	case JobStatusProcessing:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case JobStatusCompleted, JobStatusFailed:
		if j.CompletedAt == nil {
			j.CompletedAt = &now
		}
	}
}

// UpdateProgress updates the progress of a job.
func (j *TranslationJob) UpdateProgress(percent int32, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.ProgressPercent = percent
	j.ProgressMessage = message
}

// SetError marks the job failed.
func (j *TranslationJob) SetError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.Error = err.Error()
	j.ErrorKind = failure.KindOf(err)
	j.Status = JobStatusFailed
	now := time.Now()
	j.CompletedAt = &now
}

// SetResult stores the translated document and marks the job completed.
func (j *TranslationJob) SetResult(result *DocumentResult) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.Result = result.Document
	j.Duration = result.Duration
	if result.Report != nil {
		j.Leaves = result.Report.Leaves
		j.Attempts = len(result.Report.Attempts)
	}
	j.Status = JobStatusCompleted
	now := time.Now()
	j.CompletedAt = &now
	j.ProgressPercent = 100
}

// Snapshot returns a copy of the job's observable state.
func (j *TranslationJob) Snapshot() JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return JobSnapshot{
		ID:              j.ID,
		RequestID:       j.RequestID,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		ProgressMessage: j.ProgressMessage,
		Error:           j.Error,
		ErrorKind:       j.ErrorKind,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		Leaves:          j.Leaves,
		DurationSeconds: j.Duration.Seconds(),
		Result:          j.Result,
	}
}

// Finished reports whether the job reached a terminal status.
func (s JobSnapshot) Finished() bool {
	return s.Status == JobStatusCompleted || s.Status == JobStatusFailed
}

// CleanupOldJobs removes finished jobs older than maxAge.
func (q *JobQueue) CleanupOldJobs(maxAge time.Duration) {
	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()

	now := time.Now()
	removed := 0

	for id, job := range q.jobs {
		snap := job.Snapshot()
		if snap.Finished() && snap.CompletedAt != nil && now.Sub(*snap.CompletedAt) > maxAge {
			delete(q.jobs, id)
			removed++
		}
	}

	if removed > 0 {
		q.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(q.jobs),
		}).Info("Cleaned up old translation jobs")
	}
}
