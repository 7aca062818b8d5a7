package usecase

import (
	"context"
	"testing"

	"github.com/kirillkom/medrag/internal/core/domain"
)

func syncChunks() []domain.Chunk {
	return []domain.Chunk{
		{ID: domain.ChunkID("a", 0), DocumentID: "a", Index: 0, Text: "lumpectomy"},
		{ID: domain.ChunkID("a", 1), DocumentID: "a", Index: 1, Text: "radiation"},
		{ID: domain.ChunkID("b", 0), DocumentID: "b", Index: 0, Text: "tamoxifen"},
	}
}

func TestReplicaSyncApplyInvalidationReloadsKeywordIndex(t *testing.T) {
	kw := newIndexFake()
	kw.byDoc["a"] = []domain.Chunk{{ID: "stale"}}
	cache := &cacheFake{}
	s := NewReplicaSync(newChunkRepoFake(syncChunks()...), keywordFake{kw}, cache, nil)

	if err := s.ApplyInvalidation(context.Background(), "a"); err != nil {
		t.Fatalf("ApplyInvalidation() error = %v", err)
	}
	if kw.count("a") != 2 {
		t.Fatalf("expected 2 fresh chunks for a, got %d", kw.count("a"))
	}
	if len(cache.invalidations) != 1 || cache.invalidations[0] != "a" {
		t.Fatalf("expected cache invalidation for a, got %v", cache.invalidations)
	}
}

func TestReplicaSyncRemovedDocumentLeavesNothing(t *testing.T) {
	kw := newIndexFake()
	kw.byDoc["gone"] = []domain.Chunk{{ID: "gone:00000"}}
	s := NewReplicaSync(newChunkRepoFake(), keywordFake{kw}, nil, nil)

	if err := s.ApplyInvalidation(context.Background(), "gone"); err != nil {
		t.Fatalf("ApplyInvalidation() error = %v", err)
	}
	if kw.count("gone") != 0 {
		t.Fatalf("expected removed document to leave the keyword index")
	}
}

func TestReplicaSyncReportsCacheFailureButStillResyncs(t *testing.T) {
	kw := newIndexFake()
	s := NewReplicaSync(newChunkRepoFake(syncChunks()...), keywordFake{kw}, &cacheFake{invalidateErr: errBoom}, nil)

	err := s.ApplyInvalidation(context.Background(), "b")
	if !domain.IsKind(err, domain.ErrCacheBackend) {
		t.Fatalf("expected ErrCacheBackend, got %v", err)
	}
	if kw.count("b") != 1 {
		t.Fatalf("keyword index must be refreshed despite the cache failure")
	}
}

func TestReplicaSyncRejectsEmptyID(t *testing.T) {
	s := NewReplicaSync(newChunkRepoFake(), keywordFake{newIndexFake()}, nil, nil)
	if err := s.ApplyInvalidation(context.Background(), ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReplicaSyncRebuildKeywordIndex(t *testing.T) {
	kw := newIndexFake()
	s := NewReplicaSync(newChunkRepoFake(syncChunks()...), keywordFake{kw}, nil, nil)

	loaded, err := s.RebuildKeywordIndex(context.Background())
	if err != nil {
		t.Fatalf("RebuildKeywordIndex() error = %v", err)
	}
	if loaded != 2 || kw.count("a") != 2 || kw.count("b") != 1 {
		t.Fatalf("unexpected rebuild: loaded=%d a=%d b=%d", loaded, kw.count("a"), kw.count("b"))
	}
}

func TestReplicaSyncRebuildJoinsFailures(t *testing.T) {
	kw := newIndexFake()
	kw.addErr = errBoom
	s := NewReplicaSync(newChunkRepoFake(syncChunks()...), keywordFake{kw}, nil, nil)

	loaded, err := s.RebuildKeywordIndex(context.Background())
	if loaded != 0 || !domain.IsKind(err, domain.ErrIndexUnavailable) {
		t.Fatalf("expected joined index errors, got loaded=%d err=%v", loaded, err)
	}
}

func TestReplicaSyncBracketsResyncWithCacheUpdate(t *testing.T) {
	cache := &cacheFake{}
	s := NewReplicaSync(newChunkRepoFake(syncChunks()...), keywordFake{newIndexFake()}, cache, nil)

	if err := s.ApplyInvalidation(context.Background(), "a"); err != nil {
		t.Fatalf("ApplyInvalidation() error = %v", err)
	}
	if len(cache.begins) != 1 || cache.begins[0] != "a" {
		t.Fatalf("expected update window for a, got %v", cache.begins)
	}
	if cache.open != 0 {
		t.Fatalf("update window left open")
	}
}
