package bm25

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/medrag/internal/core/domain"
)

func chunk(docID string, idx int, text string) domain.Chunk {
	return domain.Chunk{ID: domain.ChunkID(docID, idx), DocumentID: docID, Index: idx, Text: text}
}

func TestSearchRanksByTermRelevance(t *testing.T) {
	ctx := context.Background()
	ix := New()
	require.NoError(t, ix.Add(ctx, []domain.Chunk{
		chunk("doc-a", 0, "Stage II breast cancer treatment includes surgery and radiation."),
		chunk("doc-a", 1, "Follow-up visits are scheduled every six months."),
		chunk("doc-b", 0, "Influenza vaccination is recommended yearly."),
	}))

	hits, err := ix.Search(ctx, "treatment for stage 2 breast cancer", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, domain.ChunkID("doc-a", 0), hits[0].ChunkID)
	assert.Equal(t, "doc-a", hits[0].DocumentID)
	for _, h := range hits {
		assert.NotEqual(t, "doc-b", h.DocumentID)
	}
}

func TestSearchTieBreaksByChunkID(t *testing.T) {
	ctx := context.Background()
	ix := New()
	require.NoError(t, ix.Add(ctx, []domain.Chunk{
		chunk("doc-b", 0, "tamoxifen dosing"),
		chunk("doc-a", 0, "tamoxifen dosing"),
	}))

	hits, err := ix.Search(ctx, "tamoxifen", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, domain.ChunkID("doc-a", 0), hits[0].ChunkID)
}

func TestAddIsIdempotentAndDeleteRemovesDocument(t *testing.T) {
	ctx := context.Background()
	ix := New()
	chunks := []domain.Chunk{chunk("doc-a", 0, "lumpectomy margins"), chunk("doc-a", 1, "sentinel node biopsy")}
	require.NoError(t, ix.Add(ctx, chunks))
	require.NoError(t, ix.Add(ctx, chunks))
	assert.Equal(t, 2, ix.Len())

	require.NoError(t, ix.DeleteDocument(ctx, "doc-a"))
	assert.Equal(t, 0, ix.Len())

	hits, err := ix.Search(ctx, "biopsy", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchTruncatesAndHandlesNoiseQuery(t *testing.T) {
	ctx := context.Background()
	ix := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, ix.Add(ctx, []domain.Chunk{chunk("doc", i, "chemotherapy regimen")}))
	}

	hits, err := ix.Search(ctx, "chemotherapy", 3)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = ix.Search(ctx, "___ !!! the", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
