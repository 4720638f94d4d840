package ragerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageErrorWraps(t *testing.T) {
	err := AtStage("doc1", StageEmbed, fmt.Errorf("batch 2: %w", ErrEmbeddingTimeout))
	require.ErrorIs(t, err, ErrEmbeddingTimeout)
	stage, ok := StageOf(err)
	require.True(t, ok)
	require.Equal(t, StageEmbed, stage)
	require.Contains(t, err.Error(), "document doc1: embed")
	require.Nil(t, AtStage("doc1", StageLoad, nil))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrEmbeddingServiceUnavailable, true},
		{fmt.Errorf("x: %w", ErrCollectionUnavailable), true},
		{ErrGenerationServiceUnavailable, true},
		{ErrDimensionMismatch, false},
		{ErrModelMismatch, false},
		{ErrUnsupportedFormat, false},
		{context.Canceled, false},
		{errors.New("boom"), false},
		{errors.Join(ErrCollectionUnavailable, ErrDimensionMismatch), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
