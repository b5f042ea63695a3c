package server

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasmlab/jsonrelay/pkg/codec"
	"github.com/dasmlab/jsonrelay/pkg/failure"
	"github.com/dasmlab/jsonrelay/pkg/pipeline"
	"github.com/dasmlab/jsonrelay/pkg/service"
	"github.com/dasmlab/jsonrelay/pkg/translate"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var words = strings.NewReplacer("hello", "bonjour", "world", "monde")

func newTestServer(t *testing.T, tr translate.Translator) (*httptest.Server, *service.JobQueue) {
	t.Helper()
	svc, err := service.NewTranslationService(tr, nil, pipeline.Options{}, quietLogger())
	require.NoError(t, err)
	queue := service.NewJobQueue(quietLogger())
	queue.SetProcessor(service.NewJobProcessor(svc.Run, time.Second, 1, quietLogger()))

	s := NewHTTPServer(svc, queue, quietLogger(), ":0")
	s.pollInterval = 10 * time.Millisecond
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, queue
}

func wordTranslator() translate.Translator {
	return translate.Func(func(_ context.Context, text, _, _ string) (string, error) {
		return words.Replace(text), nil
	})
}

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestTranslateEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, wordTranslator())

	resp, body := post(t, ts.URL+"/api/v1/translate",
		`{"target_language":"fr","document":{"b":"hello","a":[2.0,"world"]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var out struct {
		Document jsoniter.RawMessage `json:"document"`
		Strategy string              `json:"strategy"`
		Leaves   int                 `json:"leaves"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, `{"b":"bonjour","a":[2.0,"monde"]}`, string(out.Document))
	assert.Equal(t, "leaf", out.Strategy)
	assert.Equal(t, 2, out.Leaves)
}

func TestTranslateTextEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, wordTranslator())

	resp, body := post(t, ts.URL+"/api/v1/translate/text", `{"target_language":"fr","text":"hello world"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"translated_text":"bonjour monde"`)
}

func TestTranslateBatchEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, wordTranslator())

	resp, body := post(t, ts.URL+"/api/v1/translate/batch",
		`{"target_language":"fr","documents":[{"a":"hello"},["world",1.0],"hello world"],"parallelism":2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var out struct {
		Documents []jsoniter.RawMessage `json:"documents"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Len(t, out.Documents, 3)
	assert.Equal(t, `{"a":"bonjour"}`, string(out.Documents[0]))
	assert.Equal(t, `["monde",1.0]`, string(out.Documents[1]))
	assert.Equal(t, `"bonjour monde"`, string(out.Documents[2]))

	resp, body = post(t, ts.URL+"/api/v1/translate/batch", `{"target_language":"fr","documents":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, `"kind":"invalid_request"`)
}

func TestTranslateEndpoint_ErrorStatus(t *testing.T) {
	down := translate.Func(func(context.Context, string, string, string) (string, error) {
		return "", failure.Newf(failure.Transport, "translate", "connection refused")
	})
	ts, _ := newTestServer(t, down)

	tests := []struct {
		name string
		body string
		want int
		kind string
	}{
		{"malformed body", `{`, http.StatusBadRequest, "invalid_request"},
		{"missing document", `{"target_language":"fr"}`, http.StatusBadRequest, "invalid_request"},
		{"missing target", `{"document":["x"]}`, http.StatusBadRequest, "invalid_request"},
		{"backend down", `{"target_language":"fr","document":["x"]}`, http.StatusBadGateway, "transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, ts.URL+"/api/v1/translate", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Contains(t, body, `"kind":"`+tt.kind+`"`)
		})
	}
}

func TestTranslateEndpoint_SegmentMismatch(t *testing.T) {
	// Dropping every delimiter collapses the batch into one segment.
	lossy := translate.Func(func(_ context.Context, text, _, _ string) (string, error) {
		for _, d := range codec.DefaultCandidates {
			text = strings.ReplaceAll(text, d, "")
		}
		return text, nil
	})
	ts, _ := newTestServer(t, lossy)

	resp, body := post(t, ts.URL+"/api/v1/translate", `{"target_language":"fr","document":["a","b"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, body)
	assert.Contains(t, body, `"kind":"segment_count_mismatch"`)
	assert.Contains(t, body, `"expected":2`)
}

func TestJobEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, wordTranslator())

	resp, body := post(t, ts.URL+"/api/v1/jobs", `{"target_language":"fr","document":{"msg":"hello"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	require.NotEmpty(t, created.JobID)

	var status struct {
		Status   string              `json:"status"`
		Document jsoniter.RawMessage `json:"document"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/jobs/" + created.JobID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		return status.Status == string(service.JobStatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"msg":"bonjour"}`, string(status.Document))

	resp, err := http.Get(ts.URL + "/api/v1/jobs/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobEvents_StreamsUntilFinished(t *testing.T) {
	release := make(chan struct{})
	slow := translate.Func(func(ctx context.Context, text, _, _ string) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return words.Replace(text), nil
	})
	ts, queue := newTestServer(t, slow)

	id, err := queue.CreateJob(service.DocumentRequest{
		Document:       []byte(`["hello"]`),
		TargetLanguage: "fr",
	})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(release)

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Contains(t, last, `"status":"completed"`)
	assert.Contains(t, last, `"document":["bonjour"]`)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, wordTranslator())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, StatusCode(failure.New(failure.Transport, "x", context.DeadlineExceeded)))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusCode(failure.Newf(failure.ReassemblyParse, "x", "bad")))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(failure.Newf(failure.InvalidPath, "x", "bad")))
	assert.Equal(t, http.StatusNotFound, StatusCode(service.ErrJobNotFound))
}
