package httpadapter

import (
	"net/http"

	"github.com/kirillkom/medrag/internal/core/domain"
)

const codeNoEvidence = "no_evidence"

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrDimensionMismatch),
		domain.IsKind(err, domain.ErrChunkingFailure):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrIndexUnavailable),
		domain.IsKind(err, domain.ErrCacheBackend),
		domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

const indexUnavailableMessage = "index unavailable, retry later"

// errorBody hides internal error text behind a generic message for 500s.
// On the query routes a total index loss is reported as missing evidence,
// never as an empty answer; on the write routes it is a plain outage.
func errorBody(err error, status int, requestID string, evidence bool) errorResponse {
	if domain.IsKind(err, domain.ErrIndexUnavailable) {
		if evidence {
			return errorResponse{Error: domain.NoEvidenceMessage, Code: codeNoEvidence, RequestID: requestID}
		}
		return errorResponse{Error: indexUnavailableMessage, Code: domain.ErrorKindLabel(err), RequestID: requestID}
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return errorResponse{Error: msg, Code: domain.ErrorKindLabel(err), RequestID: requestID}
}
