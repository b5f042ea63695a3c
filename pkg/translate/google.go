package translate

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultGoogleURL is the public web endpoint used by the gtx client.
const DefaultGoogleURL = "https://translate.googleapis.com"

// GoogleClient implements the Translator interface against the keyless
// translate_a/single endpoint. The reply is a nested array whose first
// element lists the translated sentence chunks.
type GoogleClient struct {
	baseURL    string
	httpClient *http.Client
	langs      *LanguageMapper
	metrics    *AdapterMetrics
	logger     *logrus.Logger
}

// NewGoogleClient creates a new Google web translation client. A nil
// httpClient selects one with DefaultTimeout and no proxy.
func NewGoogleClient(baseURL string, httpClient *http.Client, logger *logrus.Logger) *GoogleClient {
	if baseURL == "" {
		baseURL = DefaultGoogleURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &GoogleClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		langs:      NewRegionalLanguageMapper(),
		metrics:    NewAdapterMetrics(string(EngineGoogle)),
		logger:     logger,
	}
}

// Translate translates text from source language to target language.
func (c *GoogleClient) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	src, dst := c.langs.ToBackendCode(sourceLang), c.langs.ToBackendCode(targetLang)
	log := c.logger.WithFields(logrus.Fields{
		"source_lang": src,
		"target_lang": dst,
		"text_length": len(text),
	})
	log.Debug("Translating text with Google")

	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("sl", src)
	q.Set("tl", dst)
	q.Set("dt", "t")
	q.Set("q", text)

	startTime := time.Now()
	var reply []any
	err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/translate_a/single?"+q.Encode(), nil, &reply)
	var out string
	if err == nil {
		out, err = joinSentences(reply)
		if err != nil {
			err = transportError("decode response", err)
		}
	}
	duration := time.Since(startTime)
	c.metrics.Record(duration, err == nil, len(text), len(out))
	if err != nil {
		log.WithError(err).WithField("duration_ms", duration.Milliseconds()).Error("Translation request failed")
		return "", err
	}

	log.WithField("duration_ms", duration.Milliseconds()).Debug("Translation completed")
	return out, nil
}

// joinSentences concatenates the first field of every chunk in reply[0].
func joinSentences(reply []any) (string, error) {
	if len(reply) == 0 {
		return "", errors.New("empty reply")
	}
	chunks, ok := reply[0].([]any)
	if !ok {
		if reply[0] == nil {
			return "", nil
		}
		return "", errors.New("unexpected reply layout")
	}
	var b strings.Builder
	for _, chunk := range chunks {
		fields, ok := chunk.([]any)
		if !ok || len(fields) == 0 {
			continue
		}
		if s, ok := fields[0].(string); ok {
			b.WriteString(s)
		}
	}
	return b.String(), nil
}

// CheckHealth translates a single word.
func (c *GoogleClient) CheckHealth(ctx context.Context) error {
	_, err := c.Translate(ctx, "ok", "en", "fr")
	return err
}

// SupportedLanguages is not published by the web endpoint.
func (c *GoogleClient) SupportedLanguages(context.Context) ([]string, error) {
	return nil, nil
}
