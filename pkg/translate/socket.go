package translate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSocketConns caps concurrent connections to a socket worker.
const DefaultSocketConns = 4

// SocketClient talks to an external translation worker over a Unix domain
// socket. Each call opens a connection, writes one JSON request line and
// reads one JSON response line. At most maxConns calls run at once; the
// rest wait for a free slot.
type SocketClient struct {
	socketPath string
	timeout    time.Duration
	slots      chan struct{}
	langs      *LanguageMapper
	metrics    *AdapterMetrics
	logger     *logrus.Logger
}

// socketRequest is the worker request line.
type socketRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

// socketResponse is the worker response line.
type socketResponse struct {
	Success        bool   `json:"success"`
	TranslatedText string `json:"translated_text,omitempty"`
	Error          string `json:"error,omitempty"`
}

// NewSocketClient creates a client for the worker listening on socketPath.
func NewSocketClient(socketPath string, maxConns int, timeout time.Duration, logger *logrus.Logger) (*SocketClient, error) {
	if socketPath == "" {
		return nil, errors.New("socket path is required")
	}
	if maxConns <= 0 {
		maxConns = DefaultSocketConns
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &SocketClient{
		socketPath: socketPath,
		timeout:    timeout,
		slots:      make(chan struct{}, maxConns),
		langs:      NewLanguageMapper(),
		metrics:    NewAdapterMetrics(string(EngineSocket)),
		logger:     logger,
	}, nil
}

// Translate sends text to the worker.
func (c *SocketClient) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	startTime := time.Now()
	log := c.logger.WithFields(logrus.Fields{
		"socket":      c.socketPath,
		"text_length": len(text),
	})

	select {
	case c.slots <- struct{}{}:
		c.metrics.RecordQueueWait(time.Since(startTime))
	case <-ctx.Done():
		c.metrics.Record(time.Since(startTime), false, len(text), 0)
		return "", transportError("acquire worker slot", ctx.Err())
	}
	defer func() { <-c.slots }()

	out, err := c.roundTrip(ctx, &socketRequest{
		Text:       text,
		SourceLang: c.langs.ToBackendCode(sourceLang),
		TargetLang: c.langs.ToBackendCode(targetLang),
	})
	duration := time.Since(startTime)
	c.metrics.Record(duration, err == nil, len(text), len(out))
	if err != nil {
		log.WithError(err).WithField("duration_ms", duration.Milliseconds()).Error("Socket translation failed")
		return "", err
	}
	log.WithField("duration_ms", duration.Milliseconds()).Debug("Socket translation completed")
	return out, nil
}

func (c *SocketClient) roundTrip(ctx context.Context, req *socketRequest) (string, error) {
	dialStart := time.Now()
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	c.metrics.RecordConnection(time.Since(dialStart), err == nil)
	if err != nil {
		return "", transportError("dial worker", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", transportError("set deadline", err)
	}

	// Unblock the read if the caller gives up first.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return "", transportError("send request", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		if errors.Is(err, io.EOF) {
			return "", transportError("read response", errors.New("worker closed the connection"))
		}
		return "", transportError("read response", err)
	}

	var resp socketResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return "", transportError("decode response", err)
	}
	if !resp.Success {
		return "", transportError("translate", fmt.Errorf("worker error: %s", resp.Error))
	}
	return resp.TranslatedText, nil
}

// CheckHealth verifies the worker accepts connections.
func (c *SocketClient) CheckHealth(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return transportError("dial worker", err)
	}
	return conn.Close()
}

// SupportedLanguages returns the languages a stock Argos worker ships with.
func (c *SocketClient) SupportedLanguages(context.Context) ([]string, error) {
	out := make([]string, len(argosLanguages))
	copy(out, argosLanguages)
	return out, nil
}
