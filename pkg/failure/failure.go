// Package failure defines the typed error taxonomy shared by the document
// walker, the batch codec, the key protector, the translation adapters and
// the pipeline controller.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide how to react without
// parsing error strings.
type Kind string

const (
	// Transport means the external translation call itself failed
	// (network, timeout, non-success status, open circuit breaker).
	Transport Kind = "transport"
	// SegmentCountMismatch means every delimiter candidate was tried and
	// none split back into the number of segments that were joined.
	SegmentCountMismatch Kind = "segment_count_mismatch"
	// ReassemblyParse means the protector strategy's restored text is not
	// valid structured data, or no longer has the input's shape.
	ReassemblyParse Kind = "reassembly_parse"
	// CountMismatch is an internal contract violation between extraction
	// and reinsertion.
	CountMismatch Kind = "count_mismatch"
	// InvalidPath means a recorded path does not resolve against the tree
	// being reassembled.
	InvalidPath Kind = "invalid_path"
	// InvalidRequest means the caller supplied unusable input.
	InvalidRequest Kind = "invalid_request"
)

// Error is the concrete error type for every Kind.
// Fields that do not apply to a kind are left zero.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "reinsert" or "split".
	Op string
	// Expected and Actual carry counts for the mismatch kinds.
	Expected int
	Actual   int
	// Delimiter is the last delimiter candidate tried.
	Delimiter string
	// Path is the rendered path for InvalidPath.
	Path string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	switch e.Kind {
	case SegmentCountMismatch:
		fmt.Fprintf(&b, " (expected %d segments, got %d, delimiter %q)", e.Expected, e.Actual, e.Delimiter)
	case CountMismatch:
		fmt.Fprintf(&b, " (expected %d values, got %d)", e.Expected, e.Actual)
	case InvalidPath:
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err's chain contains an *Error of kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
