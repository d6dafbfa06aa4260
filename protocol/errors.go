package protocol

import (
	"context"
	"errors"
	"net/http"
)

// ErrorKind is the closed set of failure categories a caller can observe.
// Anything not in this set is collapsed to ServiceUnavailable before it
// reaches the wire.
type ErrorKind string

const (
	// KindAuthExpired covers missing, wrong or lapsed account authentication.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindInvalidSignature covers credential signatures that do not verify.
	KindInvalidSignature ErrorKind = "invalid_signature"
	// KindEpochUnknown covers tokens bound to an epoch outside the known
	// current/next/grace window.
	KindEpochUnknown ErrorKind = "epoch_unknown"
	// KindReplayedNonce covers credentials that already verified once.
	KindReplayedNonce ErrorKind = "replayed_nonce"
	// KindRateLimited covers callers exceeding their window budget.
	KindRateLimited ErrorKind = "rate_limited"
	// KindInsufficientBridges covers an empty eligible bridge pool.
	KindInsufficientBridges ErrorKind = "insufficient_bridges"
	// KindMalformed covers requests that fail structural validation.
	KindMalformed ErrorKind = "malformed"
	// KindTimeout covers deadline expiry on an externally-facing call.
	KindTimeout ErrorKind = "timeout"
	// KindServiceUnavailable covers transient infrastructure failures and
	// is the only retryable kind.
	KindServiceUnavailable ErrorKind = "service_unavailable"
)

// Retryable reports whether a caller may usefully retry the same request.
// Validation and cryptographic failures are facts; retrying cannot change
// them.
func (k ErrorKind) Retryable() bool {
	return k == KindServiceUnavailable || k == KindTimeout
}

// HTTPStatus maps the kind onto an HTTP status code for the gateway.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindAuthExpired:
		return http.StatusUnauthorized
	case KindInvalidSignature, KindEpochUnknown, KindReplayedNonce:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInsufficientBridges:
		return http.StatusNotFound
	case KindMalformed:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

// Error is the structured failure returned on the wire. Message carries a
// category-level description only; internal identifiers and which specific
// sub-check failed never appear here.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// NewError builds a wire error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf extracts the taxonomy kind from an error chain. Deadline expiry
// maps to Timeout; anything unclassified maps to ServiceUnavailable so no
// internal detail leaks by default.
func KindOf(err error) ErrorKind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindServiceUnavailable
}
