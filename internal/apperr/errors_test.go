package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"connection", Connection("neo4j unreachable", context.DeadlineExceeded), KindConnection},
		{"wrapped query", fmt.Errorf("search iocs: %w", Query("bad statement", errors.New("syntax"))), KindQuery},
		{"mapping", Mapping("missing field %q", "id"), KindMapping},
		{"invalid filter", InvalidFilter("unknown field %q", "colour"), KindInvalidFilter},
		{"validation", Validation("confidence out of range"), KindValidation},
		{"not found", NotFound("ioc %q", "ioc-1"), KindNotFound},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("correlate: %w", NotFound("asset %q", "asset-9"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConnection))
}

func TestUnwrapKeepsCause(t *testing.T) {
	err := Connection("graph call timed out", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, "connection_error: graph call timed out: context deadline exceeded", err.Error())
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, `unknown field "x"`, MessageOf(InvalidFilter("unknown field %q", "x")))
	assert.Equal(t, "internal error", MessageOf(errors.New("leaky detail")))
}
