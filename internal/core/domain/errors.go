package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTemporary        = errors.New("temporary failure")

	// Retrieval taxonomy. Only ErrDimensionMismatch and a total ErrIndexUnavailable
	// reach query callers; the rest are absorbed by a local fallback.
	ErrIndexUnavailable  = errors.New("index unavailable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrRerankTimeout     = errors.New("rerank timeout")
	ErrCacheBackend      = errors.New("cache backend error")
	ErrChunkingFailure   = errors.New("chunking failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// ErrorKindLabel returns a short label for metrics and logs.
func ErrorKindLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case IsKind(err, ErrDimensionMismatch):
		return "dimension_mismatch"
	case IsKind(err, ErrIndexUnavailable):
		return "index_unavailable"
	case IsKind(err, ErrRerankTimeout):
		return "rerank_timeout"
	case IsKind(err, ErrCacheBackend):
		return "cache_backend"
	case IsKind(err, ErrChunkingFailure):
		return "chunking_failure"
	case IsKind(err, ErrDocumentNotFound):
		return "not_found"
	case IsKind(err, ErrInvalidInput):
		return "invalid_input"
	case IsKind(err, ErrTemporary):
		return "temporary"
	default:
		return "internal"
	}
}
