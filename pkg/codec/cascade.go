package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dasmlab/jsonrelay/pkg/failure"
)

// TranslateFunc sends one transport string through the external translator.
type TranslateFunc func(ctx context.Context, text string) (string, error)

// AttemptResult is the outcome of one delimiter candidate.
type AttemptResult string

const (
	// AttemptSkipped means the candidate collided with the payload and was
	// never sent.
	AttemptSkipped AttemptResult = "skipped"
	// AttemptMismatch means the reply split into the wrong number of segments.
	AttemptMismatch AttemptResult = "mismatch"
	// AttemptOK means the reply split cleanly.
	AttemptOK AttemptResult = "ok"
	// AttemptFailed means the translate call itself failed.
	AttemptFailed AttemptResult = "failed"
)

// Attempt records what happened to one candidate during Run.
type Attempt struct {
	Delimiter string
	Result    AttemptResult
	Expected  int
	Actual    int
}

// Cascade tries an ordered list of delimiter candidates until one survives
// the translator.
type Cascade struct {
	candidates []string
	logger     *logrus.Logger
}

// NewCascade validates candidates and returns a Cascade. A nil or empty list
// selects DefaultCandidates.
func NewCascade(candidates []string, logger *logrus.Logger) (*Cascade, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	seen := make(map[string]bool, len(candidates))
	for i, c := range candidates {
		if _, err := compile(c); err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		if seen[c] {
			return nil, fmt.Errorf("candidate %d: duplicate delimiter %q", i, c)
		}
		seen[c] = true
	}
	cp := make([]string, len(candidates))
	copy(cp, candidates)
	return &Cascade{candidates: cp, logger: logger}, nil
}

// Candidates returns the delimiters in the order they are tried.
func (c *Cascade) Candidates() []string {
	cp := make([]string, len(c.candidates))
	copy(cp, c.candidates)
	return cp
}

// Run joins values with the first usable candidate, translates, and splits
// the reply. On a segment count mismatch it discards the reply and repeats
// the whole cycle with the next candidate. Errors from fn are returned
// immediately without advancing. When every candidate is exhausted Run fails
// with failure.SegmentCountMismatch carrying the last delimiter tried.
//
// The attempts slice is returned in every case.
func (c *Cascade) Run(ctx context.Context, values []string, fn TranslateFunc) ([]string, []Attempt, error) {
	if len(values) == 0 {
		return []string{}, nil, nil
	}

	batch := NewBatch(values)
	attempts := make([]Attempt, 0, len(c.candidates))
	var last *failure.Error

	for i, delim := range c.candidates {
		log := c.logger.WithFields(logrus.Fields{
			"delimiter": delim,
			"attempt":   i + 1,
			"segments":  batch.Len(),
		})

		text, err := batch.Join(delim)
		if err != nil {
			log.WithError(err).Debug("Delimiter candidate collides with payload, skipping")
			attempts = append(attempts, Attempt{Delimiter: delim, Result: AttemptSkipped, Expected: batch.Len()})
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}

		reply, err := fn(ctx, text)
		if err != nil {
			attempts = append(attempts, Attempt{Delimiter: delim, Result: AttemptFailed, Expected: batch.Len()})
			return nil, attempts, err
		}

		segments, err := batch.Split(reply, delim)
		if err == nil {
			attempts = append(attempts, Attempt{Delimiter: delim, Result: AttemptOK, Expected: batch.Len(), Actual: batch.Len()})
			log.Debug("Delimiter candidate survived translation")
			return segments, attempts, nil
		}

		var fe *failure.Error
		if !errors.As(err, &fe) {
			return nil, attempts, err
		}
		last = fe
		attempts = append(attempts, Attempt{Delimiter: delim, Result: AttemptMismatch, Expected: fe.Expected, Actual: fe.Actual})
		log.WithFields(logrus.Fields{
			"expected": fe.Expected,
			"actual":   fe.Actual,
		}).Warn("Translator distorted delimiter, trying next candidate")
	}

	if last == nil {
		return nil, attempts, &failure.Error{
			Kind:     failure.SegmentCountMismatch,
			Op:       "cascade",
			Expected: batch.Len(),
			Err:      fmt.Errorf("%d candidates: %w", len(c.candidates), ErrNoUsableDelimiter),
		}
	}
	return nil, attempts, &failure.Error{
		Kind:      failure.SegmentCountMismatch,
		Op:        "cascade",
		Expected:  last.Expected,
		Actual:    last.Actual,
		Delimiter: last.Delimiter,
		Err:       fmt.Errorf("all %d delimiter candidates exhausted", len(c.candidates)),
	}
}
