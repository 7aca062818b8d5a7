package lexical

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreOrdersPassagesByRelevance(t *testing.T) {
	s := New()
	ctx := context.Background()
	query := "treatment for stage 2 breast cancer"

	exact, err := s.Score(ctx, query, "Recommended treatment for stage II breast cancer is surgery followed by radiation.")
	require.NoError(t, err)
	scattered, err := s.Score(ctx, query, "Cancer registries track stage at diagnosis. Breast imaging differs. Treatment varies.")
	require.NoError(t, err)
	partial, err := s.Score(ctx, query, "Breast imaging uses mammography and ultrasound.")
	require.NoError(t, err)
	none, err := s.Score(ctx, query, "Influenza vaccination is recommended yearly.")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, exact, 1e-9)
	assert.Greater(t, exact, scattered)
	assert.Greater(t, scattered, partial)
	assert.Greater(t, partial, none)
	assert.Zero(t, none)
}

func TestScoreStaysInUnitRange(t *testing.T) {
	s := New()
	for _, text := range []string{"", "cancer", "cancer cancer cancer", "breast cancer breast cancer"} {
		v, err := s.Score(context.Background(), "breast cancer", text)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestScoreHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Score(ctx, "a", "b")
	assert.ErrorIs(t, err, context.Canceled)
}
