// Package codec glues many short strings into one transport string for a
// single translation call and splits the reply back into the same number of
// segments.
//
// A delimiter frames the payload on both ends, so even a one-value batch
// carries delimiters whose loss can be detected:
//
//	^^hello^^world^^
//
// Translators tend to pad unknown tokens with spaces, widen ASCII symbols to
// their full-width forms, or break a symbol run apart. Normalize undoes that
// around delimiter occurrences only. Batch removes each value's own leading
// and trailing whitespace before joining and restores it after splitting, so
// the normalization never touches payload whitespace.
package codec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/width"

	"github.com/dasmlab/jsonrelay/pkg/failure"
)

// DefaultCandidates is the delimiter cascade used when none is configured.
// Each is a short run of symbols that rarely occurs in natural text.
var DefaultCandidates = []string{"^^", "|||", "~~~", "§§", "¦¦"}

var (
	// ErrEmptyDelimiter is returned for a blank delimiter.
	ErrEmptyDelimiter = errors.New("delimiter must contain a non-space character")
	// ErrDelimiterInPayload is returned by Join when a value contains the
	// delimiter or something Normalize would turn into it.
	ErrDelimiterInPayload = errors.New("value contains the delimiter")
	// ErrNoUsableDelimiter is wrapped into the cascade error when every
	// candidate collides with the payload.
	ErrNoUsableDelimiter = errors.New("no usable delimiter candidate")
)

const spaceClass = `[\s\p{Zs}]*`

// pattern holds the compiled matchers for one delimiter.
type pattern struct {
	delim string
	// core matches the delimiter with translator distortions (inner spacing,
	// width variants) but no surrounding whitespace.
	core *regexp.Regexp
	// padded additionally swallows whitespace on both sides.
	padded *regexp.Regexp
}

func compile(delim string) (*pattern, error) {
	if strings.TrimSpace(delim) == "" {
		return nil, ErrEmptyDelimiter
	}
	var parts []string
	for _, r := range delim {
		if unicode.IsSpace(r) {
			continue
		}
		parts = append(parts, runeClass(r))
	}
	core := strings.Join(parts, spaceClass)
	return &pattern{
		delim:  delim,
		core:   regexp.MustCompile(core),
		padded: regexp.MustCompile(spaceClass + core + spaceClass),
	}, nil
}

// runeClass matches r and its full-width and narrow variants.
func runeClass(r rune) string {
	seen := map[string]bool{}
	var alts []string
	for _, s := range []string{string(r), width.Widen.String(string(r)), width.Narrow.String(string(r))} {
		if seen[s] {
			continue
		}
		seen[s] = true
		alts = append(alts, regexp.QuoteMeta(s))
	}
	return "(?:" + strings.Join(alts, "|") + ")"
}

// Join concatenates values with delim between them and around them. It
// fails with ErrDelimiterInPayload when a value contains delim.
func Join(values []string, delim string) (string, error) {
	if strings.TrimSpace(delim) == "" {
		return "", ErrEmptyDelimiter
	}
	for i, v := range values {
		if strings.Contains(v, delim) {
			return "", fmt.Errorf("value %d: %w", i, ErrDelimiterInPayload)
		}
	}
	return delim + strings.Join(values, delim) + delim, nil
}

// Split is the literal inverse of Join: it cuts text at every delim and
// drops the two framing pieces. It reports ok=false when the frame is
// missing.
func Split(text, delim string) (segments []string, ok bool) {
	pieces := strings.Split(text, delim)
	if len(pieces) < 2 || pieces[0] != "" || pieces[len(pieces)-1] != "" {
		return pieces, false
	}
	return pieces[1 : len(pieces)-1], true
}

// Normalize rewrites every distorted occurrence of delim in text (padded
// with whitespace, split by whitespace, or widened) back to delim. Text
// between delimiter occurrences is left untouched.
func Normalize(text, delim string) (string, error) {
	p, err := compile(delim)
	if err != nil {
		return "", err
	}
	return p.normalize(text), nil
}

func (p *pattern) normalize(text string) string {
	return p.padded.ReplaceAllLiteralString(text, p.delim)
}

// Batch is a list of values prepared for transport with any delimiter.
type Batch struct {
	cores    []string
	leading  []string
	trailing []string
}

// NewBatch records each value's surrounding whitespace and keeps the
// trimmed core for transport.
func NewBatch(values []string) *Batch {
	b := &Batch{
		cores:    make([]string, len(values)),
		leading:  make([]string, len(values)),
		trailing: make([]string, len(values)),
	}
	for i, v := range values {
		core := strings.TrimLeftFunc(v, unicode.IsSpace)
		b.leading[i] = v[:len(v)-len(core)]
		trimmed := strings.TrimRightFunc(core, unicode.IsSpace)
		b.trailing[i] = core[len(trimmed):]
		b.cores[i] = trimmed
	}
	return b
}

// Len returns the number of values in the batch.
func (b *Batch) Len() int { return len(b.cores) }

// Size returns the number of payload bytes the batch sends, excluding
// delimiters.
func (b *Batch) Size() int {
	n := 0
	for _, c := range b.cores {
		n += len(c)
	}
	return n
}

// Usable reports whether delim can carry this batch: no value may contain
// anything Normalize would read as a delimiter, and the joined text must
// split back into exactly the same values.
func (b *Batch) Usable(delim string) error {
	p, err := compile(delim)
	if err != nil {
		return err
	}
	return b.usable(p)
}

func (b *Batch) usable(p *pattern) error {
	for i, c := range b.cores {
		if p.core.MatchString(c) {
			return fmt.Errorf("value %d: %w", i, ErrDelimiterInPayload)
		}
	}
	text, err := Join(b.cores, p.delim)
	if err != nil {
		return err
	}
	segs, ok := Split(p.normalize(text), p.delim)
	if !ok || len(segs) != len(b.cores) {
		return fmt.Errorf("delimiter %q is ambiguous against the payload: %w", p.delim, ErrDelimiterInPayload)
	}
	for i := range segs {
		if segs[i] != b.cores[i] {
			return fmt.Errorf("value %d: delimiter %q is ambiguous against the payload: %w", i, p.delim, ErrDelimiterInPayload)
		}
	}
	return nil
}

// Join encodes the batch with delim after checking Usable.
func (b *Batch) Join(delim string) (string, error) {
	p, err := compile(delim)
	if err != nil {
		return "", err
	}
	if err := b.usable(p); err != nil {
		return "", err
	}
	return Join(b.cores, delim)
}

// Split normalizes the translator's reply, cuts it at delim and restores
// each value's original surrounding whitespace. A reply that does not yield
// exactly Len() framed segments fails with failure.SegmentCountMismatch.
func (b *Batch) Split(text, delim string) ([]string, error) {
	p, err := compile(delim)
	if err != nil {
		return nil, err
	}
	pieces := strings.Split(p.normalize(text), delim)
	actual := len(pieces) - 2
	if actual < 0 {
		actual = 0
	}
	framed := len(pieces) >= 2 &&
		strings.TrimSpace(pieces[0]) == "" &&
		strings.TrimSpace(pieces[len(pieces)-1]) == ""
	if actual != len(b.cores) || !framed {
		e := &failure.Error{
			Kind:      failure.SegmentCountMismatch,
			Op:        "split",
			Expected:  len(b.cores),
			Actual:    actual,
			Delimiter: delim,
		}
		if !framed {
			e.Err = errors.New("reply lost its framing delimiter")
		}
		return nil, e
	}

	out := make([]string, len(b.cores))
	for i, seg := range pieces[1 : len(pieces)-1] {
		out[i] = b.leading[i] + strings.TrimSpace(seg) + b.trailing[i]
	}
	return out, nil
}
