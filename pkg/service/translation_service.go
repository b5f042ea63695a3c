package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dasmlab/jsonrelay/pkg/codec"
	"github.com/dasmlab/jsonrelay/pkg/document"
	"github.com/dasmlab/jsonrelay/pkg/failure"
	"github.com/dasmlab/jsonrelay/pkg/pipeline"
	"github.com/dasmlab/jsonrelay/pkg/translate"
)

// TranslatorFactory returns the translator that routes through proxy. The
// service calls it once per distinct proxy and reuses the result.
type TranslatorFactory func(proxy string) (translate.Translator, error)

// DocumentRequest is one structured translation request as the service
// surfaces receive it.
type DocumentRequest struct {
	// RequestID is caller supplied; one is generated when empty.
	RequestID      string
	Document       []byte
	SourceLanguage string
	TargetLanguage string
	Strategy       string
	Format         string
	Proxy          string
}

// DocumentResult is the outcome of a structured translation.
type DocumentResult struct {
	RequestID string
	Document  []byte
	Report    *pipeline.Report
	Duration  time.Duration
}

// DefaultBatchParallelism bounds concurrent documents in a batch.
const DefaultBatchParallelism = 4

// BatchRequest translates several independent documents with the same
// languages and options.
type BatchRequest struct {
	RequestID      string
	Documents      [][]byte
	SourceLanguage string
	TargetLanguage string
	Strategy       string
	Format         string
	Proxy          string
	// Parallelism defaults to DefaultBatchParallelism.
	Parallelism int
}

// BatchResult holds the encoded documents in request order.
type BatchResult struct {
	RequestID string
	Documents [][]byte
	Duration  time.Duration
}

// TextRequest is one plain-text translation request.
type TextRequest struct {
	RequestID      string
	Text           string
	SourceLanguage string
	TargetLanguage string
	Proxy          string
}

// TranslationService implements the translation operations shared by the
// gRPC and HTTP surfaces.
type TranslationService struct {
	// Translator is the default translation backend.
	Translator translate.Translator

	// NewTranslator supplies translators for requests that name their own
	// proxy. Nil rejects such requests.
	NewTranslator TranslatorFactory

	// Options are the pipeline defaults for every request.
	Options pipeline.Options

	// Logger for service operations.
	Logger *logrus.Logger

	controller *pipeline.Controller

	mu      sync.Mutex
	proxied map[string]*pipeline.Controller
}

// NewTranslationService creates a new TranslationService instance.
func NewTranslationService(translator translate.Translator, factory TranslatorFactory, opts pipeline.Options, logger *logrus.Logger) (*TranslationService, error) {
	if logger == nil {
		logger = logrus.New()
	}
	controller, err := pipeline.New(translator, opts, logger)
	if err != nil {
		return nil, err
	}
	return &TranslationService{
		Translator:    translator,
		NewTranslator: factory,
		Options:       opts,
		Logger:        logger,
		controller:    controller,
		proxied:       make(map[string]*pipeline.Controller),
	}, nil
}

// controllerFor returns the shared controller, or the one cached for proxy
// when the request names a proxy.
func (s *TranslationService) controllerFor(proxy string) (*pipeline.Controller, error) {
	if proxy == "" {
		return s.controller, nil
	}
	if s.NewTranslator == nil {
		return nil, failure.Newf(failure.InvalidRequest, "proxy", "per-request proxies are not enabled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.proxied[proxy]; ok {
		return c, nil
	}
	tr, err := s.NewTranslator(proxy)
	if err != nil {
		return nil, failure.New(failure.InvalidRequest, "proxy", err)
	}
	c, err := pipeline.New(tr, s.Options, s.Logger)
	if err != nil {
		return nil, err
	}
	s.proxied[proxy] = c
	s.Logger.WithFields(logrus.Fields{
		"routes": len(s.proxied),
	}).Debug("Added proxy route")
	return c, nil
}

func validateLanguages(src, dst string) (string, string, error) {
	if strings.TrimSpace(dst) == "" {
		return "", "", failure.Newf(failure.InvalidRequest, "validate", "target_language is required")
	}
	if strings.TrimSpace(src) == "" {
		src = "auto"
	}
	return src, dst, nil
}

// TranslateDocument translates a JSON document and returns the encoded result.
func (s *TranslationService) TranslateDocument(ctx context.Context, req DocumentRequest) (*DocumentResult, error) {
	return s.Run(ctx, req, nil)
}

// Run is TranslateDocument with an optional progress callback. Job
// processing uses it directly.
func (s *TranslationService) Run(ctx context.Context, req DocumentRequest, progress func(done, total int)) (*DocumentResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	log := s.Logger.WithFields(logrus.Fields{
		"request_id":  req.RequestID,
		"source_lang": req.SourceLanguage,
		"target_lang": req.TargetLanguage,
		"strategy":    req.Strategy,
	})
	log.Debug("Translate document request received")

	src, dst, err := validateLanguages(req.SourceLanguage, req.TargetLanguage)
	if err != nil {
		return nil, err
	}
	v, err := document.Parse(req.Document)
	if err != nil {
		return nil, failure.New(failure.InvalidRequest, "parse", err)
	}

	controller, err := s.controllerFor(req.Proxy)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, report, err := controller.TranslateStructuredReport(ctx, v, pipeline.Request{
		From:     src,
		To:       dst,
		Strategy: pipeline.Strategy(req.Strategy),
		Format:   pipeline.Format(req.Format),
		Progress: progress,
	})
	if err != nil {
		return nil, err
	}
	data, err := document.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	result := &DocumentResult{
		RequestID: req.RequestID,
		Document:  data,
		Report:    report,
		Duration:  time.Since(start),
	}
	log.WithFields(logrus.Fields{
		"duration_ms": result.Duration.Milliseconds(),
		"leaves":      report.Leaves,
	}).Info("Document translation completed")
	return result, nil
}

// TranslateBatch translates every document in req. The first failure
// cancels the rest and is returned with the failing document's index.
func (s *TranslationService) TranslateBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	src, dst, err := validateLanguages(req.SourceLanguage, req.TargetLanguage)
	if err != nil {
		return nil, err
	}
	if len(req.Documents) == 0 {
		return nil, failure.Newf(failure.InvalidRequest, "validate", "documents are required")
	}
	docs := make([]document.Value, len(req.Documents))
	for i, data := range req.Documents {
		v, err := document.Parse(data)
		if err != nil {
			return nil, failure.New(failure.InvalidRequest, fmt.Sprintf("parse document %d", i), err)
		}
		docs[i] = v
	}

	controller, err := s.controllerFor(req.Proxy)
	if err != nil {
		return nil, err
	}
	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultBatchParallelism
	}

	start := time.Now()
	out, err := controller.TranslateMany(ctx, docs, pipeline.Request{
		From:     src,
		To:       dst,
		Strategy: pipeline.Strategy(req.Strategy),
		Format:   pipeline.Format(req.Format),
	}, parallelism)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{RequestID: req.RequestID, Documents: make([][]byte, len(out))}
	for i, v := range out {
		if result.Documents[i], err = document.Marshal(v); err != nil {
			return nil, fmt.Errorf("encode document %d: %w", i, err)
		}
	}
	result.Duration = time.Since(start)

	s.Logger.WithFields(logrus.Fields{
		"request_id":  req.RequestID,
		"documents":   len(out),
		"parallelism": parallelism,
		"duration_ms": result.Duration.Milliseconds(),
	}).Info("Batch translation completed")
	return result, nil
}

// TranslateText translates plain text.
func (s *TranslationService) TranslateText(ctx context.Context, req TextRequest) (string, error) {
	src, dst, err := validateLanguages(req.SourceLanguage, req.TargetLanguage)
	if err != nil {
		return "", err
	}
	controller, err := s.controllerFor(req.Proxy)
	if err != nil {
		return "", err
	}
	return controller.TranslateText(ctx, req.Text, pipeline.Request{From: src, To: dst})
}

// CheckHealth reports whether the default translator is usable.
func (s *TranslationService) CheckHealth(ctx context.Context) error {
	return s.Translator.CheckHealth(ctx)
}

// AttemptSummaries renders delimiter attempts as plain maps for responses.
func AttemptSummaries(attempts []codec.Attempt) []any {
	out := make([]any, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, map[string]any{
			"delimiter": a.Delimiter,
			"result":    string(a.Result),
			"expected":  a.Expected,
			"actual":    a.Actual,
		})
	}
	return out
}
