package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoBreaker_ExecutePassesThroughResult(t *testing.T) {
	b := NewGoBreaker("test")

	result, err := b.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestGoBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := NewGoBreaker("test-trip")
	failing := func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	}

	for i := 0; i < 5; i++ {
		_, _ = b.Execute(context.Background(), failing)
	}

	_, err := b.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "should not run", nil
	})
	assert.Error(t, err)
}
