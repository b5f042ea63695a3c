// Package pipeline drives one structured translation: it extracts the string
// leaves of a document, sends them through the translator in delimiter
// joined batches (or protects the whole document and sends it as one text),
// and reassembles a document of identical shape.
//
//	Idle -> Extracting -> Translating -> Splitting -> Reassembling -> Done
//	                        ^     |
//	                        +-----+  next delimiter candidate
//
// Any state may move to Failed. Calls share nothing; all per-call state
// lives on the stack of the call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dasmlab/jsonrelay/pkg/codec"
	"github.com/dasmlab/jsonrelay/pkg/document"
	"github.com/dasmlab/jsonrelay/pkg/failure"
	"github.com/dasmlab/jsonrelay/pkg/protect"
	"github.com/dasmlab/jsonrelay/pkg/translate"
)

// Strategy selects how a document travels through the translator.
type Strategy string

const (
	// StrategyLeaf sends string leaves in delimiter-joined batches.
	StrategyLeaf Strategy = "leaf"
	// StrategyProtect sends the whole serialized document with keys and
	// punctuation replaced by placeholders.
	StrategyProtect Strategy = "protect"
)

// Format tells the pipeline what the string leaves contain.
type Format string

const (
	FormatText Format = "text"
	// FormatHTML leaves carry HTML-derived text; &quot; is decoded before
	// transport and quotes are re-encoded afterwards. Every double quote in
	// the output is encoded, so a literal " in the input comes back as &quot;.
	FormatHTML Format = "html"
)

// State is a step of the per-call state machine.
type State string

const (
	StateIdle         State = "idle"
	StateExtracting   State = "extracting"
	StateTranslating  State = "translating"
	StateSplitting    State = "splitting"
	StateReassembling State = "reassembling"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

const (
	// DefaultTimeout bounds every outbound translator call.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxBatchBytes keeps a batch under common web endpoint limits.
	DefaultMaxBatchBytes = 5000
)

// Options configure a Controller. Zero values select defaults.
type Options struct {
	Strategy Strategy
	Format   Format
	// Timeout bounds each outbound translator call.
	Timeout time.Duration
	// Candidates is the ordered delimiter cascade.
	Candidates []string
	// MaxBatchBytes caps the payload of one leaf batch; negative disables
	// batching limits.
	MaxBatchBytes int
	// Guard wraps protector symbol codes.
	Guard string
}

// Request carries the per-call parameters.
type Request struct {
	From string
	To   string
	// Strategy and Format override the controller defaults when set.
	Strategy Strategy
	Format   Format
	// Progress, when set, is called after each translated batch.
	Progress func(done, total int)
}

// Report describes what one call did.
type Report struct {
	Strategy Strategy
	States   []State
	Attempts []codec.Attempt
	// Leaves is the number of string leaves; Sent excludes the
	// whitespace-only ones that were never transmitted.
	Leaves   int
	Sent     int
	Batches  int
	Duration time.Duration
}

// Controller runs structured translations against one Translator.
type Controller struct {
	translator translate.Translator
	opts       Options
	cascade    *codec.Cascade
	protector  *protect.Protector
	logger     *logrus.Logger
}

// New validates opts and returns a Controller.
func New(translator translate.Translator, opts Options, logger *logrus.Logger) (*Controller, error) {
	if translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyLeaf
	}
	if opts.Format == "" {
		opts.Format = FormatText
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBatchBytes == 0 {
		opts.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if err := validStrategy(opts.Strategy); err != nil {
		return nil, err
	}
	if err := validFormat(opts.Format); err != nil {
		return nil, err
	}

	cascade, err := codec.NewCascade(opts.Candidates, logger)
	if err != nil {
		return nil, fmt.Errorf("delimiter candidates: %w", err)
	}
	protector, err := protect.New(opts.Guard)
	if err != nil {
		return nil, fmt.Errorf("protector: %w", err)
	}
	return &Controller{
		translator: translator,
		opts:       opts,
		cascade:    cascade,
		protector:  protector,
		logger:     logger,
	}, nil
}

func validStrategy(s Strategy) error {
	switch s {
	case StrategyLeaf, StrategyProtect:
		return nil
	}
	return failure.Newf(failure.InvalidRequest, "strategy", "unknown strategy %q (supported: leaf, protect)", s)
}

func validFormat(f Format) error {
	switch f {
	case FormatText, FormatHTML:
		return nil
	}
	return failure.Newf(failure.InvalidRequest, "format", "unknown format %q (supported: text, html)", f)
}

// run is the per-call state. It never outlives one call.
type run struct {
	req    Request
	report *Report
	log    *logrus.Entry
}

func (r *run) enter(s State) {
	r.report.States = append(r.report.States, s)
	r.log.WithField("state", s).Debug("Pipeline state transition")
}

// TranslateStructured translates every string leaf of v and returns a
// document of identical shape. On failure no partial document is returned.
func (c *Controller) TranslateStructured(ctx context.Context, v document.Value, req Request) (document.Value, error) {
	out, _, err := c.TranslateStructuredReport(ctx, v, req)
	return out, err
}

// TranslateStructuredReport is TranslateStructured that also reports the
// states visited and the delimiter attempts made.
func (c *Controller) TranslateStructuredReport(ctx context.Context, v document.Value, req Request) (document.Value, *Report, error) {
	if req.Strategy == "" {
		req.Strategy = c.opts.Strategy
	}
	if req.Format == "" {
		req.Format = c.opts.Format
	}

	start := time.Now()
	r := &run{
		req:    req,
		report: &Report{Strategy: req.Strategy},
		log: c.logger.WithFields(logrus.Fields{
			"strategy":    req.Strategy,
			"source_lang": req.From,
			"target_lang": req.To,
		}),
	}
	r.enter(StateIdle)

	var (
		out document.Value
		err error
	)
	if err = validStrategy(req.Strategy); err == nil {
		if err = validFormat(req.Format); err == nil {
			if req.Strategy == StrategyProtect {
				out, err = c.runProtect(ctx, v, r)
			} else {
				out, err = c.runLeaf(ctx, v, r)
			}
		}
	}

	r.report.Duration = time.Since(start)
	recordRun(req.Strategy, err)
	if err != nil {
		r.enter(StateFailed)
		r.log.WithError(err).WithField("kind", kindLabel(err)).Error("Structured translation failed")
		return document.Value{}, r.report, err
	}
	r.enter(StateDone)
	r.log.WithFields(logrus.Fields{
		"leaves":      r.report.Leaves,
		"batches":     r.report.Batches,
		"attempts":    len(r.report.Attempts),
		"duration_ms": r.report.Duration.Milliseconds(),
	}).Info("Structured translation completed")
	return out, r.report, nil
}

func (c *Controller) runLeaf(ctx context.Context, v document.Value, r *run) (document.Value, error) {
	r.enter(StateExtracting)
	entries := document.Extract(v)
	values := document.Values(entries)
	r.report.Leaves = len(values)

	// Whitespace-only leaves go back verbatim without a round trip.
	var (
		idx  []int
		send []string
	)
	for i, s := range values {
		if strings.TrimSpace(s) == "" {
			continue
		}
		idx = append(idx, i)
		send = append(send, decodeLeaf(s, r.req.Format))
	}
	r.report.Sent = len(send)

	groups := codec.Partition(send, c.opts.MaxBatchBytes)
	r.report.Batches = len(groups)
	if len(groups) > 0 {
		batchesPerRun.Observe(float64(len(groups)))
	}

	fn := c.call(r.req)
	for n, g := range groups {
		r.log.WithFields(logrus.Fields{
			"batch":    n + 1,
			"batches":  len(groups),
			"segments": g[1] - g[0],
		}).Debug("Translating batch")

		segs, attempts, err := c.cascade.Run(ctx, send[g[0]:g[1]], func(ctx context.Context, text string) (string, error) {
			r.enter(StateTranslating)
			return fn(ctx, text)
		})
		r.report.Attempts = append(r.report.Attempts, attempts...)
		recordAttempts(attempts)
		if err != nil {
			return document.Value{}, err
		}

		r.enter(StateSplitting)
		for j, s := range segs {
			values[idx[g[0]+j]] = encodeLeaf(s, r.req.Format)
		}
		if r.req.Progress != nil {
			r.req.Progress(n+1, len(groups))
		}
	}

	r.enter(StateReassembling)
	return document.Reinsert(v, entries, values)
}

func (c *Controller) runProtect(ctx context.Context, v document.Value, r *run) (document.Value, error) {
	r.enter(StateExtracting)
	leaves := document.Extract(v)
	r.report.Leaves = len(leaves)
	sendable := false
	for _, e := range leaves {
		if strings.TrimSpace(e.Value) != "" {
			sendable = true
			break
		}
	}
	if !sendable {
		r.enter(StateReassembling)
		return v, nil
	}
	r.report.Sent = len(leaves)
	r.report.Batches = 1

	prepared := v
	if r.req.Format == FormatHTML {
		prepared = document.MapStrings(v, func(s string) string { return decodeLeaf(s, FormatHTML) })
	}

	keys := protect.NewKeyMap()
	text, err := c.protector.Protect(prepared, keys)
	if err != nil {
		return document.Value{}, err
	}

	r.enter(StateTranslating)
	reply, err := c.call(r.req)(ctx, text)
	if err != nil {
		return document.Value{}, err
	}

	r.enter(StateReassembling)
	out, err := c.protector.Restore(reply, keys, prepared)
	if err != nil {
		return document.Value{}, err
	}
	if r.req.Progress != nil {
		r.req.Progress(1, 1)
	}
	if r.req.Format == FormatHTML {
		out = document.MapStrings(out, func(s string) string { return encodeLeaf(s, FormatHTML) })
	}
	return out, nil
}

// call returns the translator bound to req with the per-call timeout.
// Untyped errors become transport failures.
func (c *Controller) call(req Request) codec.TranslateFunc {
	return func(ctx context.Context, text string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		out, err := c.translator.Translate(ctx, text, req.From, req.To)
		if err != nil {
			if _, ok := failure.As(err); !ok {
				err = failure.New(failure.Transport, "translate", err)
			}
			return "", err
		}
		return out, nil
	}
}

// TranslateText translates plain text in one call and strips one enclosing
// layer of double quotes from the reply.
func (c *Controller) TranslateText(ctx context.Context, text string, req Request) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	log := c.logger.WithFields(logrus.Fields{
		"source_lang": req.From,
		"target_lang": req.To,
		"text_length": len(text),
	})

	out, err := c.call(req)(ctx, text)
	recordRun("text", err)
	if err != nil {
		log.WithError(err).Error("Text translation failed")
		return "", err
	}
	log.Debug("Text translation completed")
	return stripQuotes(out), nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// TranslateMany translates docs with at most parallelism calls in flight.
// Results keep the input order. The first failure cancels the rest.
func (c *Controller) TranslateMany(ctx context.Context, docs []document.Value, req Request, parallelism int) ([]document.Value, error) {
	if parallelism <= 0 {
		parallelism = 1
	}
	results := make([]document.Value, len(docs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, d := range docs {
		g.Go(func() error {
			out, err := c.TranslateStructured(ctx, d, req)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func decodeLeaf(s string, f Format) string {
	if f == FormatHTML {
		return strings.ReplaceAll(s, "&quot;", `"`)
	}
	return s
}

// encodeLeaf escapes every double quote for html leaves, including quotes
// the input carried literally. Decoding is not reversible there.
func encodeLeaf(s string, f Format) string {
	if f == FormatHTML {
		return strings.ReplaceAll(s, `"`, "&quot;")
	}
	return s
}

func kindLabel(err error) failure.Kind {
	if k := failure.KindOf(err); k != "" {
		return k
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failure.Transport
	}
	return "internal"
}
