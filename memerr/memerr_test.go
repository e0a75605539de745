package memerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	t.Run("with underlying error", func(t *testing.T) {
		err := Storage("durable.Append", errors.New("disk full"))
		assert.Equal(t, "memory: durable.Append (storage): disk full", err.Error())
	})

	t.Run("without underlying error", func(t *testing.T) {
		err := &Error{Op: "cache.Get", Kind: KindNotFound}
		assert.Equal(t, "memory: cache.Get: not_found", err.Error())
	})
}

func TestUnwrap(t *testing.T) {
	err := NotFound("cache.Get", ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.ErrorIs(t, wrapped, ErrNotFound)
}

func TestIs(t *testing.T) {
	err := Conflict("index.Upsert", ErrVersionConflict)

	t.Run("matches kind", func(t *testing.T) {
		assert.ErrorIs(t, err, &Error{Kind: KindConflict})
	})

	t.Run("matches kind and op", func(t *testing.T) {
		assert.ErrorIs(t, err, &Error{Op: "index.Upsert", Kind: KindConflict})
	})

	t.Run("mismatched op", func(t *testing.T) {
		assert.NotErrorIs(t, err, &Error{Op: "cache.Put", Kind: KindConflict})
	})

	t.Run("mismatched kind", func(t *testing.T) {
		assert.NotErrorIs(t, err, &Error{Kind: KindStorage})
	})

	t.Run("delegates to sentinel", func(t *testing.T) {
		assert.ErrorIs(t, err, ErrVersionConflict)
	})
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		kind string
	}{
		{"not found", NotFound("op", ErrNotFound), KindNotFound},
		{"provider", Provider("op", ErrProviderUnavailable), KindProvider},
		{"storage", Storage("op", ErrStorageUnavailable), KindStorage},
		{"conflict", Conflict("op", ErrVersionConflict), KindConflict},
		{"validation", Validation("op", ErrInvalidInput), KindValidation},
		{"internal", Internal("op", errors.New("boom")), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotNil(t, tc.err)
			assert.Equal(t, tc.kind, tc.err.Kind)
			assert.Equal(t, "op", tc.err.Op)
		})
	}
}
