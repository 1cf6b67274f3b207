package domain

import "errors"

// Error taxonomy (sentinels). Wire-level identifiers are stable and mapped to
// HTTP status codes by the httpserver adapter.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrClusterUnavailable = errors.New("cluster unavailable")
	ErrNoImage            = errors.New("no runtime image")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBrokerUnavailable  = errors.New("broker unavailable")
	ErrRateLimited        = errors.New("rate limited")
	ErrInternal           = errors.New("internal error")
)

// ErrorKind is the stable wire-level failure identifier carried on
// evaluation records, DLQ entries, and API error envelopes.
type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindPayloadTooLarge    ErrorKind = "payload_too_large"
	KindNotFound           ErrorKind = "not_found"
	KindConflict           ErrorKind = "conflict"
	KindInvalidTransition  ErrorKind = "invalid_transition"
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindClusterUnavailable ErrorKind = "cluster_unavailable"
	KindNoImage            ErrorKind = "no_image"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindBrokerUnavailable  ErrorKind = "broker_unavailable"
	KindExecutionFailed    ErrorKind = "execution_failed"
	KindExecutionTimeout   ErrorKind = "execution_timeout"
	KindCancelled          ErrorKind = "cancelled"
	KindRateLimited        ErrorKind = "rate_limited"
	KindInternal           ErrorKind = "internal"
)

// KindOf maps a sentinel error chain to its wire-level kind.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrClusterUnavailable):
		return KindClusterUnavailable
	case errors.Is(err, ErrNoImage):
		return KindNoImage
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrBrokerUnavailable):
		return KindBrokerUnavailable
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}

// Retryable reports whether a failure class may succeed on a later attempt.
// Only broker/cluster/storage transients and missing runtime images qualify;
// validation and conflict failures never do.
func Retryable(err error) bool {
	return errors.Is(err, ErrClusterUnavailable) ||
		errors.Is(err, ErrNoImage) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrBrokerUnavailable) ||
		errors.Is(err, ErrQuotaExceeded)
}
