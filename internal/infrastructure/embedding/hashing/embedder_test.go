package hashing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/medrag/internal/core/textnorm"
)

func TestEmbedIsDeterministicAndNormalized(t *testing.T) {
	e := New(128)
	ctx := context.Background()

	a, err := e.EmbedQuery(ctx, "adjuvant radiation after lumpectomy")
	require.NoError(t, err)
	b, err := e.EmbedQuery(ctx, "adjuvant radiation after lumpectomy")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 128)
	assert.InDelta(t, 1.0, textnorm.Cosine(a, a), 1e-6)
}

func TestEmbedSimilarityTracksOverlap(t *testing.T) {
	e := New(DefaultDimensions)
	vectors, err := e.Embed(context.Background(), []string{
		"treatment for stage 2 breast cancer",
		"treatment for stage II breast cancer",
		"breast cancer surgery options",
		"influenza vaccine schedule for children",
	})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, textnorm.Cosine(vectors[0], vectors[1]), 1e-6, "roman numerals fold to digits")
	related := textnorm.Cosine(vectors[0], vectors[2])
	unrelated := textnorm.Cosine(vectors[0], vectors[3])
	assert.Greater(t, related, unrelated)
}

func TestEmbedTextWithoutTermsIsNeverZero(t *testing.T) {
	e := New(16)
	vectors, err := e.Embed(context.Background(), []string{"the of and", "---", ""})
	require.NoError(t, err)
	for i, v := range vectors {
		assert.Len(t, v, 16)
		assert.InDelta(t, 1.0, textnorm.Cosine(v, v), 1e-6, "vector %d", i)
	}

	q, err := e.EmbedQuery(context.Background(), "The of AND")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, textnorm.Cosine(q, vectors[0]), 1e-6)
}
