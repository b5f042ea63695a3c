package translate

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultLibreTranslateURL is the default base URL for LibreTranslate API.
	DefaultLibreTranslateURL = "http://localhost:5000"
)

// LibreTranslateClient implements the Translator interface using LibreTranslate.
// LibreTranslate is a self-hosted, open-source machine translation API.
type LibreTranslateClient struct {
	baseURL    string
	apiKey     string
	format     string
	httpClient *http.Client
	langs      *LanguageMapper
	metrics    *AdapterMetrics
	logger     *logrus.Logger
}

// NewLibreTranslateClient creates a new LibreTranslate client.
// format is sent with every request ("text" or "html"). A nil httpClient
// selects one with DefaultTimeout and no proxy.
func NewLibreTranslateClient(baseURL, apiKey, format string, httpClient *http.Client, logger *logrus.Logger) *LibreTranslateClient {
	if baseURL == "" {
		baseURL = DefaultLibreTranslateURL
	}
	if format == "" {
		format = "text"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &LibreTranslateClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		format:     format,
		httpClient: httpClient,
		langs:      NewLanguageMapper(),
		metrics:    NewAdapterMetrics(string(EngineLibreTranslate)),
		logger:     logger,
	}
}

// translateRequest represents a LibreTranslate API request.
type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"` // e.g., "en"
	Target string `json:"target"` // e.g., "fr"
	Format string `json:"format"` // "text" or "html"
	APIKey string `json:"api_key,omitempty"`
}

// translateResponse represents a LibreTranslate API response.
type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

// languagesResponse represents the response from the /languages endpoint.
type languagesResponse struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Translate translates text from source language to target language.
func (c *LibreTranslateClient) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	src, dst := c.langs.ToBackendCode(sourceLang), c.langs.ToBackendCode(targetLang)
	log := c.logger.WithFields(logrus.Fields{
		"source_lang": src,
		"target_lang": dst,
		"text_length": len(text),
	})
	log.Debug("Translating text with LibreTranslate")

	startTime := time.Now()
	var ltResp translateResponse
	err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/translate", &translateRequest{
		Q:      text,
		Source: src,
		Target: dst,
		Format: c.format,
		APIKey: c.apiKey,
	}, &ltResp)
	duration := time.Since(startTime)
	c.metrics.Record(duration, err == nil, len(text), len(ltResp.TranslatedText))
	if err != nil {
		log.WithError(err).WithField("duration_ms", duration.Milliseconds()).Error("Translation request failed")
		return "", err
	}

	log.WithField("duration_ms", duration.Milliseconds()).Debug("Translation completed")
	return ltResp.TranslatedText, nil
}

// CheckHealth verifies that LibreTranslate is ready and operational.
func (c *LibreTranslateClient) CheckHealth(ctx context.Context) error {
	c.logger.Debug("Checking LibreTranslate health")

	// The /languages endpoint doubles as a health check.
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/languages", nil, nil); err != nil {
		c.logger.WithError(err).Error("Health check failed")
		return err
	}

	c.logger.Debug("LibreTranslate health check passed")
	return nil
}

// SupportedLanguages returns a list of language codes supported by LibreTranslate.
func (c *LibreTranslateClient) SupportedLanguages(ctx context.Context) ([]string, error) {
	var languages []languagesResponse
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/languages", nil, &languages); err != nil {
		c.logger.WithError(err).Error("Failed to fetch supported languages")
		return nil, err
	}

	codes := make([]string, 0, len(languages))
	for _, lang := range languages {
		codes = append(codes, lang.Code)
	}

	c.logger.WithFields(logrus.Fields{
		"count": len(codes),
	}).Debug("Fetched supported languages")

	return codes, nil
}
