package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dasmlab/jsonrelay/pkg/failure"
	"github.com/dasmlab/jsonrelay/pkg/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 8 << 20

// HTTPServer serves the translation API, job status with SSE progress,
// health and metrics.
type HTTPServer struct {
	svc          *service.TranslationService
	jobQueue     *service.JobQueue
	logger       *logrus.Logger
	srv          *http.Server
	pollInterval time.Duration
}

// NewHTTPServer creates a new HTTP server listening on addr. jobQueue may be
// nil, which disables the job endpoints.
func NewHTTPServer(svc *service.TranslationService, jobQueue *service.JobQueue, logger *logrus.Logger, addr string) *HTTPServer {
	if logger == nil {
		logger = logrus.New()
	}
	s := &HTTPServer{
		svc:          svc,
		jobQueue:     jobQueue,
		logger:       logger,
		pollInterval: time.Second,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/translate", s.handleTranslate)
	mux.HandleFunc("POST /api/v1/translate/text", s.handleTranslateText)
	mux.HandleFunc("POST /api/v1/translate/batch", s.handleTranslateBatch)
	if s.jobQueue != nil {
		mux.HandleFunc("POST /api/v1/jobs", s.handleSubmitJob)
		mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleJobStatus)
		mux.HandleFunc("GET /api/v1/jobs/{id}/events", s.handleJobEvents)
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Start serves until Shutdown is called.
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"addr": s.srv.Addr,
	}).Info("Starting HTTP server")

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type documentBody struct {
	RequestID      string              `json:"request_id"`
	Document       jsoniter.RawMessage `json:"document"`
	SourceLanguage string              `json:"source_language"`
	TargetLanguage string              `json:"target_language"`
	Strategy       string              `json:"strategy"`
	Format         string              `json:"format"`
	Proxy          string              `json:"proxy"`
}

func (b documentBody) request() service.DocumentRequest {
	return service.DocumentRequest{
		RequestID:      b.RequestID,
		Document:       b.Document,
		SourceLanguage: b.SourceLanguage,
		TargetLanguage: b.TargetLanguage,
		Strategy:       b.Strategy,
		Format:         b.Format,
		Proxy:          b.Proxy,
	}
}

type batchBody struct {
	RequestID      string                `json:"request_id"`
	Documents      []jsoniter.RawMessage `json:"documents"`
	SourceLanguage string                `json:"source_language"`
	TargetLanguage string                `json:"target_language"`
	Strategy       string                `json:"strategy"`
	Format         string                `json:"format"`
	Proxy          string                `json:"proxy"`
	Parallelism    int                   `json:"parallelism"`
}

type textBody struct {
	RequestID      string `json:"request_id"`
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	Proxy          string `json:"proxy"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return failure.New(failure.InvalidRequest, "read body", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure.New(failure.InvalidRequest, "decode body", err)
	}
	return nil
}

func (s *HTTPServer) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var body documentBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Document) == 0 {
		s.writeError(w, failure.Newf(failure.InvalidRequest, "validate", "document is required"))
		return
	}

	res, err := s.svc.TranslateDocument(r.Context(), body.request())
	if err != nil {
		s.writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"request_id":       res.RequestID,
		"document":         jsoniter.RawMessage(res.Document),
		"duration_seconds": res.Duration.Seconds(),
	}
	if rep := res.Report; rep != nil {
		response["strategy"] = rep.Strategy
		response["leaves"] = rep.Leaves
		response["sent"] = rep.Sent
		response["batches"] = rep.Batches
		response["attempts"] = service.AttemptSummaries(rep.Attempts)
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleTranslateBatch(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	docs := make([][]byte, len(body.Documents))
	for i, d := range body.Documents {
		docs[i] = d
	}

	res, err := s.svc.TranslateBatch(r.Context(), service.BatchRequest{
		RequestID:      body.RequestID,
		Documents:      docs,
		SourceLanguage: body.SourceLanguage,
		TargetLanguage: body.TargetLanguage,
		Strategy:       body.Strategy,
		Format:         body.Format,
		Proxy:          body.Proxy,
		Parallelism:    body.Parallelism,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]jsoniter.RawMessage, len(res.Documents))
	for i, d := range res.Documents {
		out[i] = d
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":       res.RequestID,
		"documents":        out,
		"duration_seconds": res.Duration.Seconds(),
	})
}

func (s *HTTPServer) handleTranslateText(w http.ResponseWriter, r *http.Request) {
	var body textBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.svc.TranslateText(r.Context(), service.TextRequest{
		RequestID:      body.RequestID,
		Text:           body.Text,
		SourceLanguage: body.SourceLanguage,
		TargetLanguage: body.TargetLanguage,
		Proxy:          body.Proxy,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"request_id":      body.RequestID,
		"translated_text": out,
	})
}

func (s *HTTPServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body documentBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.jobQueue.CreateJob(body.request())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+id)
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": string(service.JobStatusQueued),
	})
}

// jobView renders a snapshot with the translated document embedded as JSON.
func jobView(snap service.JobSnapshot) map[string]interface{} {
	view := service.SnapshotFields(snap)
	if snap.StartedAt != nil {
		view["started_at"] = snap.StartedAt.Format(time.RFC3339)
	}
	if snap.CompletedAt != nil {
		view["completed_at"] = snap.CompletedAt.Format(time.RFC3339)
	}
	if snap.Status == service.JobStatusCompleted {
		view["document"] = jsoniter.RawMessage(snap.Result)
	}
	return view
}

// handleJobStatus returns the current status of a translation job as JSON.
func (s *HTTPServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobQueue.GetJob(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobView(job.Snapshot()))
}

// handleJobEvents streams job progress as Server-Sent Events until the job
// finishes or the client goes away.
func (s *HTTPServer) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobQueue.GetJob(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	last := job.Snapshot()
	s.sendSSEEvent(w, "status", last)
	if last.Finished() {
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			snap := job.Snapshot()
			if snap.Status == last.Status && snap.ProgressPercent == last.ProgressPercent {
				continue
			}
			s.sendSSEEvent(w, "status", snap)
			last = snap
			if snap.Finished() {
				return
			}
		}
	}
}

// sendSSEEvent writes one event: <type>\ndata: <json>\n\n frame.
func (s *HTTPServer) sendSSEEvent(w http.ResponseWriter, eventType string, snap service.JobSnapshot) {
	event := jobView(snap)
	event["timestamp"] = time.Now().Format(time.RFC3339)

	data, err := json.Marshal(event)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal SSE event")
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", data)

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// handleHealth reports whether the default translator is reachable.
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.svc.CheckHealth(ctx); err != nil {
		s.logger.WithError(err).Warn("Health check failed")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	switch failure.KindOf(err) {
	case failure.InvalidRequest:
		return http.StatusBadRequest
	case failure.Transport:
		return http.StatusBadGateway
	case failure.SegmentCountMismatch, failure.ReassemblyParse:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	body := map[string]interface{}{"error": err.Error()}
	if kind := failure.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Kind == failure.SegmentCountMismatch {
		body["expected"] = fe.Expected
		body["actual"] = fe.Actual
		body["delimiter"] = fe.Delimiter
	}
	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("status", code).Error("Request failed")
	}
	s.writeJSON(w, code, body)
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
