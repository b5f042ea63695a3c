package translate

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultArgosURL is the default base URL for Argos Translate API.
	DefaultArgosURL = "http://127.0.0.1:5000"
)

// argosLanguages is what the stock Argos package index ships with.
var argosLanguages = []string{
	"en", "es", "fr", "de", "it", "pt", "ru", "zh", "ja", "ko",
	"ar", "hi", "tr", "pl", "nl", "sv", "da", "fi", "no", "cs",
	"ro", "hu", "bg", "hr", "sk", "sl", "et", "lv", "lt", "el",
}

// ArgosClient implements the Translator interface using an Argos Translate
// HTTP wrapper.
type ArgosClient struct {
	baseURL    string
	httpClient *http.Client
	langs      *LanguageMapper
	metrics    *AdapterMetrics
	logger     *logrus.Logger
}

// NewArgosClient creates a new Argos Translate client. A nil httpClient
// selects one with DefaultTimeout and no proxy.
func NewArgosClient(baseURL string, httpClient *http.Client, logger *logrus.Logger) *ArgosClient {
	if baseURL == "" {
		baseURL = DefaultArgosURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &ArgosClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		langs:      NewLanguageMapper(),
		metrics:    NewAdapterMetrics(string(EngineArgos)),
		logger:     logger,
	}
}

type argosTranslateRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type argosTranslateResponse struct {
	TranslatedText string `json:"translated_text"`
}

// Translate translates text from source language to target language.
func (c *ArgosClient) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	src, dst := c.langs.ToBackendCode(sourceLang), c.langs.ToBackendCode(targetLang)
	log := c.logger.WithFields(logrus.Fields{
		"source_lang": src,
		"target_lang": dst,
		"text_length": len(text),
	})
	log.Debug("Translating text with Argos")

	startTime := time.Now()
	var argosResp argosTranslateResponse
	err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/translate", &argosTranslateRequest{
		Text:       text,
		SourceLang: src,
		TargetLang: dst,
	}, &argosResp)
	duration := time.Since(startTime)
	c.metrics.Record(duration, err == nil, len(text), len(argosResp.TranslatedText))
	if err != nil {
		log.WithError(err).WithField("duration_ms", duration.Milliseconds()).Error("Translation request failed")
		return "", err
	}

	log.WithField("duration_ms", duration.Milliseconds()).Debug("Translation completed")
	return argosResp.TranslatedText, nil
}

// CheckHealth verifies that the Argos wrapper is reachable. Wrappers without
// a /health route answer 404, which still proves the server is up.
func (c *ArgosClient) CheckHealth(ctx context.Context) error {
	c.logger.Debug("Checking Argos Translate health")

	err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/health", nil, nil)
	if err == nil {
		return nil
	}
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		c.logger.Debug("Argos has no health endpoint, server is reachable")
		return nil
	}
	c.logger.WithError(err).Error("Health check failed")
	return err
}

// SupportedLanguages returns the language codes Argos ships with.
func (c *ArgosClient) SupportedLanguages(context.Context) ([]string, error) {
	out := make([]string, len(argosLanguages))
	copy(out, argosLanguages)
	return out, nil
}
