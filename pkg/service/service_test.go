package service

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dasmlab/jsonrelay/pkg/failure"
	"github.com/dasmlab/jsonrelay/pkg/pipeline"
	"github.com/dasmlab/jsonrelay/pkg/translate"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var words = strings.NewReplacer("hello", "bonjour", "world", "monde")

func wordTranslator() translate.Translator {
	return translate.Func(func(_ context.Context, text, _, _ string) (string, error) {
		return words.Replace(text), nil
	})
}

func newService(t *testing.T, tr translate.Translator, factory TranslatorFactory) *TranslationService {
	t.Helper()
	svc, err := NewTranslationService(tr, factory, pipeline.Options{}, quietLogger())
	require.NoError(t, err)
	return svc
}

func TestTranslateDocument_PreservesOrder(t *testing.T) {
	svc := newService(t, wordTranslator(), nil)

	res, err := svc.TranslateDocument(context.Background(), DocumentRequest{
		Document:       []byte(`{"z":"hello","a":[1.50,"world"],"m":null}`),
		TargetLanguage: "fr",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"z":"bonjour","a":[1.50,"monde"],"m":null}`, string(res.Document))
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, 2, res.Report.Leaves)
}

func TestTranslateDocument_Validation(t *testing.T) {
	svc := newService(t, wordTranslator(), nil)

	tests := []struct {
		name string
		req  DocumentRequest
	}{
		{"missing target", DocumentRequest{Document: []byte(`{}`)}},
		{"bad json", DocumentRequest{Document: []byte(`{"a":`), TargetLanguage: "fr"}},
		{"unknown strategy", DocumentRequest{Document: []byte(`{}`), TargetLanguage: "fr", Strategy: "nope"}},
		{"proxy without factory", DocumentRequest{Document: []byte(`{}`), TargetLanguage: "fr", Proxy: "socks5://127.0.0.1:1080"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.TranslateDocument(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, failure.InvalidRequest, failure.KindOf(err))
			assert.Equal(t, codes.InvalidArgument, Code(err))
		})
	}
}

func TestTranslateDocument_PerRequestProxy(t *testing.T) {
	var gotProxy string
	factory := func(proxy string) (translate.Translator, error) {
		gotProxy = proxy
		return translate.Func(func(_ context.Context, text, _, _ string) (string, error) {
			return strings.ToUpper(text), nil
		}), nil
	}
	svc := newService(t, wordTranslator(), factory)

	res, err := svc.TranslateDocument(context.Background(), DocumentRequest{
		Document:       []byte(`["hello"]`),
		TargetLanguage: "fr",
		Proxy:          "http://proxy.local:3128",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://proxy.local:3128", gotProxy)
	assert.Equal(t, `["HELLO"]`, string(res.Document))
}

func TestTranslateDocument_ProxiesShareGuard(t *testing.T) {
	cfg := translate.Config{
		Engine: translate.EngineEcho,
		Guard:  translate.GuardConfig{RatePerSecond: 0.001, Burst: 1},
		Logger: quietLogger(),
	}
	guard, err := translate.NewTranslator(cfg)
	require.NoError(t, err)
	router := translate.NewProxyRouter(cfg, guard)
	svc := newService(t, guard, router.Translator)

	_, err = svc.TranslateText(context.Background(), TextRequest{
		Text: "hello", TargetLanguage: "fr", Proxy: "http://a.local:3128",
	})
	require.NoError(t, err)

	// The only token was spent through the first proxy.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = svc.TranslateText(ctx, TextRequest{
		Text: "hello", TargetLanguage: "fr", Proxy: "socks5://b.local:1080",
	})
	require.Error(t, err)
	assert.Equal(t, failure.Transport, failure.KindOf(err))
	assert.Equal(t, 2, router.Len())
}

func TestTranslateDocument_ProxyRouteReused(t *testing.T) {
	calls := 0
	factory := func(string) (translate.Translator, error) {
		calls++
		return wordTranslator(), nil
	}
	svc := newService(t, wordTranslator(), factory)

	for i := 0; i < 3; i++ {
		_, err := svc.TranslateText(context.Background(), TextRequest{
			Text: "hello", TargetLanguage: "fr", Proxy: "http://proxy.local:3128",
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
}

func TestTranslateBatch(t *testing.T) {
	svc := newService(t, wordTranslator(), nil)

	res, err := svc.TranslateBatch(context.Background(), BatchRequest{
		Documents:      [][]byte{[]byte(`{"b":"hello","a":2.50}`), []byte(`["world"]`)},
		TargetLanguage: "fr",
		Parallelism:    2,
	})
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, `{"b":"bonjour","a":2.50}`, string(res.Documents[0]))
	assert.Equal(t, `["monde"]`, string(res.Documents[1]))
	assert.NotEmpty(t, res.RequestID)

	_, err = svc.TranslateBatch(context.Background(), BatchRequest{
		Documents:      [][]byte{[]byte(`["ok"]`), []byte(`{"a":`)},
		TargetLanguage: "fr",
	})
	require.Error(t, err)
	assert.Equal(t, failure.InvalidRequest, failure.KindOf(err))
	assert.Contains(t, err.Error(), "document 1")

	_, err = svc.TranslateBatch(context.Background(), BatchRequest{TargetLanguage: "fr"})
	assert.Equal(t, failure.InvalidRequest, failure.KindOf(err))
}

func TestTranslateText(t *testing.T) {
	svc := newService(t, wordTranslator(), nil)

	out, err := svc.TranslateText(context.Background(), TextRequest{Text: `"hello"`, TargetLanguage: "fr"})
	require.NoError(t, err)
	assert.Equal(t, "bonjour", out)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{failure.Newf(failure.InvalidRequest, "x", "bad"), codes.InvalidArgument},
		{failure.Newf(failure.Transport, "x", "down"), codes.Unavailable},
		{&failure.Error{Kind: failure.SegmentCountMismatch, Expected: 2, Actual: 1}, codes.Aborted},
		{failure.Newf(failure.ReassemblyParse, "x", "broken"), codes.DataLoss},
		{failure.Newf(failure.CountMismatch, "x", "internal"), codes.Internal},
		{failure.New(failure.Transport, "x", context.DeadlineExceeded), codes.DeadlineExceeded},
		{ErrJobNotFound, codes.NotFound},
		{errors.New("plain"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), tt.err.Error())
	}
}

func waitFinished(t *testing.T, q *JobQueue, id string) JobSnapshot {
	t.Helper()
	var snap JobSnapshot
	require.Eventually(t, func() bool {
		job, err := q.GetJob(id)
		require.NoError(t, err)
		snap = job.Snapshot()
		return snap.Finished()
	}, 2*time.Second, 10*time.Millisecond)
	return snap
}

func newQueue(t *testing.T, svc *TranslationService) *JobQueue {
	t.Helper()
	q := NewJobQueue(quietLogger())
	q.SetProcessor(NewJobProcessor(svc.Run, time.Second, 2, quietLogger()))
	return q
}

func TestJobQueue_CompletesJob(t *testing.T) {
	q := newQueue(t, newService(t, wordTranslator(), nil))

	id, err := q.CreateJob(DocumentRequest{
		RequestID:      "req-1",
		Document:       []byte(`{"greeting":"hello world"}`),
		TargetLanguage: "fr",
	})
	require.NoError(t, err)

	snap := waitFinished(t, q, id)
	assert.Equal(t, JobStatusCompleted, snap.Status)
	assert.Equal(t, "req-1", snap.RequestID)
	assert.EqualValues(t, 100, snap.ProgressPercent)
	assert.Equal(t, `{"greeting":"bonjour monde"}`, string(snap.Result))
	assert.NotNil(t, snap.StartedAt)
}

func TestJobQueue_RecordsFailureKind(t *testing.T) {
	tr := translate.Func(func(context.Context, string, string, string) (string, error) {
		return "", failure.Newf(failure.Transport, "translate", "backend down")
	})
	q := newQueue(t, newService(t, tr, nil))

	id, err := q.CreateJob(DocumentRequest{Document: []byte(`["hello"]`), TargetLanguage: "fr"})
	require.NoError(t, err)

	snap := waitFinished(t, q, id)
	assert.Equal(t, JobStatusFailed, snap.Status)
	assert.Equal(t, failure.Transport, snap.ErrorKind)
	assert.Contains(t, snap.Error, "backend down")
	assert.Empty(t, snap.Result)
}

func TestJobQueue_RejectsInvalidInput(t *testing.T) {
	q := NewJobQueue(quietLogger())

	_, err := q.CreateJob(DocumentRequest{Document: []byte(`not json`), TargetLanguage: "fr"})
	assert.Equal(t, failure.InvalidRequest, failure.KindOf(err))

	_, err = q.CreateJob(DocumentRequest{Document: []byte(`{}`)})
	assert.Equal(t, failure.InvalidRequest, failure.KindOf(err))

	assert.Zero(t, q.Len())
}

func TestJobQueue_CleanupOldJobs(t *testing.T) {
	q := NewJobQueue(quietLogger())

	done, err := q.CreateJob(DocumentRequest{Document: []byte(`[]`), TargetLanguage: "fr"})
	require.NoError(t, err)
	pending, err := q.CreateJob(DocumentRequest{Document: []byte(`[]`), TargetLanguage: "fr"})
	require.NoError(t, err)

	job, err := q.GetJob(done)
	require.NoError(t, err)
	job.SetResult(&DocumentResult{Document: []byte(`[]`)})
	old := time.Now().Add(-time.Hour)
	job.CompletedAt = &old

	q.CleanupOldJobs(time.Minute)

	_, err = q.GetJob(done)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.GetJob(pending)
	assert.NoError(t, err)
}

func dialBufconn(t *testing.T, srv TranslationServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.UnaryInterceptor(UnaryLoggingInterceptor(quietLogger())))
	RegisterTranslationServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func TestGRPC_RoundTrip(t *testing.T) {
	svc := newService(t, wordTranslator(), nil)
	q := newQueue(t, svc)
	client := dialBufconn(t, NewGRPCServer(svc, q, quietLogger()))
	ctx := context.Background()

	out, err := client.TranslateDocument(ctx, DocumentRequest{
		Document:       []byte(`{"b":"hello","a":"world"}`),
		TargetLanguage: "fr",
		Strategy:       string(pipeline.StrategyLeaf),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"b":"bonjour","a":"monde"}`, out.GetFields()["document"].GetStringValue())
	assert.Equal(t, "leaf", out.GetFields()["strategy"].GetStringValue())

	text, err := client.TranslateText(ctx, TextRequest{Text: "hello", TargetLanguage: "fr"})
	require.NoError(t, err)
	assert.Equal(t, "bonjour", text)

	id, err := client.SubmitJob(ctx, DocumentRequest{Document: []byte(`["world"]`), TargetLanguage: "fr"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := client.GetJob(ctx, id)
		return err == nil && job.GetFields()["status"].GetStringValue() == string(JobStatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	job, err := client.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `["monde"]`, job.GetFields()["document"].GetStringValue())
}

func TestGRPC_ErrorCodes(t *testing.T) {
	svc := newService(t, wordTranslator(), nil)
	client := dialBufconn(t, NewGRPCServer(svc, NewJobQueue(quietLogger()), quietLogger()))
	ctx := context.Background()

	_, err := client.TranslateDocument(ctx, DocumentRequest{Document: []byte(`{}`)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetJob(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_JobsDisabled(t *testing.T) {
	svc := newService(t, wordTranslator(), nil)
	client := dialBufconn(t, NewGRPCServer(svc, nil, quietLogger()))

	_, err := client.SubmitJob(context.Background(), DocumentRequest{Document: []byte(`[]`), TargetLanguage: "fr"})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
