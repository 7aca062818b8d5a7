package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kirillkom/medrag/internal/core/domain"
)

// StatusError carries a non-2xx HTTP response from a downstream service.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s status %d: %s", e.Service, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s status %d", e.Service, e.StatusCode)
}

// ClassifyHTTP retries transport failures, 429 and 5xx responses. Other 4xx
// responses are caller errors and do not count against the breaker.
func ClassifyHTTP(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || IsCircuitOpen(err) {
		return ErrorClassification{}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500 {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return ErrorClassification{}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return ErrorClassification{RecordFailure: true}
}

// ClassifyTransient builds a classifier from a predicate naming the errors a
// backend reports for conditions that clear on their own.
func ClassifyTransient(transient func(error) bool) ErrorClassifier {
	return func(err error) ErrorClassification {
		switch {
		case err == nil:
			return ErrorClassification{}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ErrorClassification{}
		case IsCircuitOpen(err), transient(err):
			return ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return ErrorClassification{RecordFailure: true}
		}
	}
}

// MarkTemporary wraps err as domain.ErrTemporary when classify deems it
// retryable or the breaker rejected the call.
func MarkTemporary(operation string, err error, classify ErrorClassifier) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if IsCircuitOpen(err) || classify(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
