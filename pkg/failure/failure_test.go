package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{
			&Error{Kind: SegmentCountMismatch, Op: "cascade", Expected: 2, Actual: 1, Delimiter: "|||"},
			`cascade: segment_count_mismatch (expected 2 segments, got 1, delimiter "|||")`,
		},
		{
			&Error{Kind: CountMismatch, Op: "reinsert", Expected: 3, Actual: 2},
			"reinsert: count_mismatch (expected 3 values, got 2)",
		},
		{
			&Error{Kind: InvalidPath, Op: "set", Path: "$.a[2]"},
			"set: invalid_path ($.a[2])",
		},
		{
			Newf(Transport, "translate", "status %d", 503),
			"translate: transport: status 503",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestKindThroughWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("document 3: %w", New(Transport, "translate", cause))

	assert.Equal(t, Transport, KindOf(err))
	assert.True(t, Is(err, Transport))
	assert.False(t, Is(err, ReassemblyParse))
	assert.ErrorIs(t, err, cause)

	fe, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, "translate", fe.Op)

	assert.Equal(t, Kind(""), KindOf(cause))
	assert.False(t, Is(nil, Transport))
}
