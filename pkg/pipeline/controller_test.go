package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasmlab/jsonrelay/pkg/codec"
	"github.com/dasmlab/jsonrelay/pkg/document"
	"github.com/dasmlab/jsonrelay/pkg/failure"
	"github.com/dasmlab/jsonrelay/pkg/translate"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func mustParse(t *testing.T, s string) document.Value {
	t.Helper()
	v, err := document.ParseString(s)
	require.NoError(t, err)
	return v
}

func newController(t *testing.T, tr translate.Translator, opts Options) *Controller {
	t.Helper()
	c, err := New(tr, opts, quietLogger())
	require.NoError(t, err)
	return c
}

// recorder counts calls and remembers what was sent.
type recorder struct {
	mu    sync.Mutex
	sent  []string
	reply func(string) string
}

func (r *recorder) Translate(_ context.Context, text, _, _ string) (string, error) {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	if r.reply == nil {
		return text, nil
	}
	return r.reply(text), nil
}

func (r *recorder) CheckHealth(context.Context) error                   { return nil }
func (r *recorder) SupportedLanguages(context.Context) ([]string, error) { return nil, nil }

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

var words = strings.NewReplacer("hello", "bonjour", "world", "monde", "yes", "oui")

func TestScenarioA_IdentityRoundTrip(t *testing.T) {
	v := mustParse(t, `{"a": "hello", "b": ["world", ""]}`)
	assert.Len(t, document.Extract(v), 3)

	for _, strategy := range []Strategy{StrategyLeaf, StrategyProtect} {
		t.Run(string(strategy), func(t *testing.T) {
			c := newController(t, translate.Echo(), Options{Strategy: strategy})
			out, rep, err := c.TranslateStructuredReport(context.Background(), v, Request{From: "en", To: "fr"})
			require.NoError(t, err)
			assert.True(t, document.Equal(v, out), out.String())
			assert.Equal(t, 3, rep.Leaves)
			assert.Equal(t, StateDone, rep.States[len(rep.States)-1])
		})
	}
}

func TestScenarioB_FallsBackToNextDelimiter(t *testing.T) {
	v := mustParse(t, `{"x": "café"}`)
	rec := &recorder{reply: func(text string) string {
		// Lose one occurrence of the first candidate only.
		return strings.Replace(text, "^^", "", 1)
	}}
	c := newController(t, rec, Options{Candidates: []string{"^^", "|||"}})

	out, rep, err := c.TranslateStructuredReport(context.Background(), v, Request{From: "fr", To: "en"})
	require.NoError(t, err)
	assert.Equal(t, `{"x":"café"}`, out.String())

	require.Len(t, rep.Attempts, 2)
	assert.Equal(t, codec.AttemptMismatch, rep.Attempts[0].Result)
	assert.Equal(t, "|||", rep.Attempts[1].Delimiter)
	assert.Equal(t, codec.AttemptOK, rep.Attempts[1].Result)
	assert.Equal(t, []string{"^^café^^", "|||café|||"}, rec.sent)
	assert.Equal(t, []State{
		StateIdle, StateExtracting, StateTranslating, StateTranslating,
		StateSplitting, StateReassembling, StateDone,
	}, rep.States)
}

func TestScenarioC_CorruptedPlaceholder(t *testing.T) {
	v := mustParse(t, `{"1": "a", "2": "b"}`)
	rec := &recorder{reply: func(text string) string {
		return strings.Replace(text, "@125@", "@12S@", 1)
	}}
	c := newController(t, rec, Options{Strategy: StrategyProtect})

	out, rep, err := c.TranslateStructuredReport(context.Background(), v, Request{From: "en", To: "de"})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.ReassemblyParse))
	assert.Equal(t, document.Value{}, out)
	assert.Equal(t, 1, rec.calls())
	assert.Equal(t, StateFailed, rep.States[len(rep.States)-1])
}

func TestScenarioD_AllCandidatesExhausted(t *testing.T) {
	v := mustParse(t, `{"a": "x", "b": "y"}`)
	rec := &recorder{reply: func(text string) string {
		for _, d := range []string{"^^", "|||"} {
			if strings.HasPrefix(text, d) {
				return strings.Replace(text, d, "", 1)
			}
		}
		return text
	}}
	c := newController(t, rec, Options{Candidates: []string{"^^", "|||"}})

	out, err := c.TranslateStructured(context.Background(), v, Request{From: "en", To: "fr"})
	require.Error(t, err)
	assert.Equal(t, document.Value{}, out)

	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.SegmentCountMismatch, fe.Kind)
	assert.Equal(t, 2, fe.Expected)
	assert.Equal(t, 1, fe.Actual)
	assert.Equal(t, "|||", fe.Delimiter)
}

func TestRoundTripProperty(t *testing.T) {
	docs := []string{
		`{}`,
		`[]`,
		`null`,
		`"solo"`,
		`{"n": 1.50, "big": 12345678901234567890, "neg": -0, "t": true, "f": false, "z": null}`,
		`{"nested": {"deep": [[["x"]], {"k": "  padded  "}]}, "empty": "", "ws": "   "}`,
		`{"b": "2", "a": "1", "c": {"z": "last", "y": "first"}}`,
		`["^^ looks like a delimiter", "|||", "mixed ~~~ and §§"]`,
		`{"html": "<p class=\"x\">hi</p>", "unicode": "日本語 🚀", "esc": "tab\there\nnewline"}`,
	}
	for _, strategy := range []Strategy{StrategyLeaf, StrategyProtect} {
		c := newController(t, translate.Echo(), Options{Strategy: strategy})
		for _, src := range docs {
			v := mustParse(t, src)
			out, err := c.TranslateStructured(context.Background(), v, Request{From: "en", To: "fr"})
			require.NoError(t, err, "%s: %s", strategy, src)
			assert.True(t, document.Equal(v, out), "%s: %s -> %s", strategy, src, out)
		}
	}
}

func TestLeaf_TranslatesAndKeepsShape(t *testing.T) {
	v := mustParse(t, `{"greeting": "hello", "list": ["world", 3, " yes "], "flag": true}`)
	rec := &recorder{reply: words.Replace}
	c := newController(t, rec, Options{})

	out, err := c.TranslateStructured(context.Background(), v, Request{From: "en", To: "fr"})
	require.NoError(t, err)
	assert.Equal(t, `{"greeting":"bonjour","list":["monde",3," oui "],"flag":true}`, out.String())
	assert.Equal(t, []string{"^^hello^^world^^yes^^"}, rec.sent)
}

func TestLeaf_WhitespaceOnlyLeavesAreNotSent(t *testing.T) {
	rec := &recorder{}
	c := newController(t, rec, Options{})

	v := mustParse(t, `{"a": "", "b": "  ", "c": ["\n"]}`)
	out, rep, err := c.TranslateStructuredReport(context.Background(), v, Request{From: "en", To: "fr"})
	require.NoError(t, err)
	assert.True(t, document.Equal(v, out))
	assert.Equal(t, 0, rec.calls())
	assert.Equal(t, 3, rep.Leaves)
	assert.Equal(t, 0, rep.Sent)
	assert.Equal(t, 0, rep.Batches)
}

func TestLeaf_BatchesBySize(t *testing.T) {
	rec := &recorder{reply: strings.ToUpper}
	c := newController(t, rec, Options{MaxBatchBytes: 10})

	var progress []int
	v := mustParse(t, `["aaaaaa", "bbbbbb", "cccccc", "dd"]`)
	out, rep, err := c.TranslateStructuredReport(context.Background(), v, Request{
		From: "en", To: "fr",
		Progress: func(done, total int) { progress = append(progress, done*100/total) },
	})
	require.NoError(t, err)
	assert.Equal(t, `["AAAAAA","BBBBBB","CCCCCC","DD"]`, out.String())
	assert.Equal(t, 3, rep.Batches)
	assert.Equal(t, 3, rec.calls())
	assert.Equal(t, []int{33, 66, 100}, progress)
}

func TestHTMLFormat_QuotesTravelDecoded(t *testing.T) {
	for _, strategy := range []Strategy{StrategyLeaf, StrategyProtect} {
		t.Run(string(strategy), func(t *testing.T) {
			rec := &recorder{}
			c := newController(t, rec, Options{Strategy: strategy, Format: FormatHTML})

			v := mustParse(t, `{"title": "say &quot;hi&quot;"}`)
			out, err := c.TranslateStructured(context.Background(), v, Request{From: "en", To: "fr"})
			require.NoError(t, err)
			assert.Equal(t, `{"title":"say &quot;hi&quot;"}`, out.String())
			require.Len(t, rec.sent, 1)
			assert.NotContains(t, rec.sent[0], "&quot;")
		})
	}
}

func TestHTMLFormat_LiteralQuotesComeBackEncoded(t *testing.T) {
	for _, strategy := range []Strategy{StrategyLeaf, StrategyProtect} {
		t.Run(string(strategy), func(t *testing.T) {
			c := newController(t, translate.Echo(), Options{Strategy: strategy, Format: FormatHTML})

			v := mustParse(t, `{"title": "say \"hi\"", "mixed": "a &quot;b\" c"}`)
			out, err := c.TranslateStructured(context.Background(), v, Request{From: "en", To: "fr"})
			require.NoError(t, err)
			assert.Equal(t, `{"title":"say &quot;hi&quot;","mixed":"a &quot;b&quot; c"}`, out.String())
		})
	}
}

func TestProtect_SendsOneCall(t *testing.T) {
	rec := &recorder{reply: words.Replace}
	c := newController(t, rec, Options{Strategy: StrategyProtect})

	v := mustParse(t, `{"hello": "hello", "n": 3, "items": ["world"]}`)
	out, err := c.TranslateStructured(context.Background(), v, Request{From: "en", To: "fr"})
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"bonjour","n":3,"items":["monde"]}`, out.String())
	require.Equal(t, 1, rec.calls())
	assert.NotContains(t, rec.sent[0], `"`)
}

func TestProtect_GuardBeforeDigitRejected(t *testing.T) {
	rec := &recorder{}
	c := newController(t, rec, Options{Strategy: StrategyProtect})

	_, err := c.TranslateStructured(context.Background(), mustParse(t, `{"mail": "ping me @34", "x": "ok@58"}`), Request{From: "en", To: "fr"})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.InvalidRequest), "got %v", err)
	assert.Equal(t, 0, rec.calls())

	v := mustParse(t, `{"code": "123", "colon": "58", "tail": "5@"}`)
	out, err := c.TranslateStructured(context.Background(), v, Request{From: "en", To: "fr"})
	require.NoError(t, err)
	assert.Equal(t, `{"code":"123","colon":"58","tail":"5@"}`, out.String())
}

func TestTransportErrorSurfacesImmediately(t *testing.T) {
	var calls atomic.Int32
	down := translate.Func(func(context.Context, string, string, string) (string, error) {
		calls.Add(1)
		return "", errors.New("connection refused")
	})
	c := newController(t, down, Options{})

	_, rep, err := c.TranslateStructuredReport(context.Background(), mustParse(t, `["a", "b"]`), Request{From: "en", To: "fr"})
	assert.True(t, failure.Is(err, failure.Transport))
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, rep.Attempts, 1)
}

func TestPerCallTimeout(t *testing.T) {
	slow := translate.Func(func(ctx context.Context, text, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	c := newController(t, slow, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := c.TranslateStructured(context.Background(), mustParse(t, `{"a": "b"}`), Request{From: "en", To: "fr"})
	assert.True(t, failure.Is(err, failure.Transport))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTranslateText_StripsOneQuoteLayer(t *testing.T) {
	tests := []struct {
		reply string
		want  string
	}{
		{reply: `"bonjour"`, want: "bonjour"},
		{reply: `""double""`, want: `"double"`},
		{reply: `"unbalanced`, want: `"unbalanced`},
		{reply: `plain`, want: "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			rec := &recorder{reply: func(string) string { return tt.reply }}
			c := newController(t, rec, Options{})
			got, err := c.TranslateText(context.Background(), "hello", Request{From: "en", To: "fr"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1, rec.calls())
		})
	}
}

func TestTranslateMany(t *testing.T) {
	c := newController(t, &recorder{reply: words.Replace}, Options{})
	docs := []document.Value{
		mustParse(t, `{"a": "hello"}`),
		mustParse(t, `["world"]`),
		mustParse(t, `"yes"`),
	}

	out, err := c.TranslateMany(context.Background(), docs, Request{From: "en", To: "fr"}, 2)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, `{"a":"bonjour"}`, out[0].String())
	assert.Equal(t, `["monde"]`, out[1].String())
	assert.Equal(t, `"oui"`, out[2].String())

	failing := newController(t, translate.Func(func(_ context.Context, text, _, _ string) (string, error) {
		if strings.Contains(text, "boom") {
			return "", failure.Newf(failure.Transport, "translate", "refused")
		}
		return text, nil
	}), Options{})
	_, err = failing.TranslateMany(context.Background(), []document.Value{
		mustParse(t, `["fine"]`), mustParse(t, `["boom"]`),
	}, Request{From: "en", To: "fr"}, 2)
	assert.True(t, failure.Is(err, failure.Transport))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{}, quietLogger())
	assert.Error(t, err)

	_, err = New(translate.Echo(), Options{Strategy: "bulk"}, quietLogger())
	assert.True(t, failure.Is(err, failure.InvalidRequest))

	_, err = New(translate.Echo(), Options{Candidates: []string{"^^", "^^"}}, quietLogger())
	assert.Error(t, err)

	c := newController(t, translate.Echo(), Options{})
	_, err = c.TranslateStructured(context.Background(), mustParse(t, `{}`), Request{Format: "pdf"})
	assert.True(t, failure.Is(err, failure.InvalidRequest))
}
