// Package apperr defines the typed failures shared by the access services
// and the HTTP layer.  Every failure carries a stable Kind for machine
// handling plus an optional Reason that narrows it (e.g. a Conflict with
// reason "no_capacity").  Messages are safe to show to callers: they never
// contain raw tokens or token digests.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindInternal        Kind = "internal"
	KindUnauthenticated Kind = "unauthenticated"
	KindUnauthorized    Kind = "unauthorized"
	KindNotFound        Kind = "not_found"
	KindExpired         Kind = "expired"
	KindConflict        Kind = "conflict"
	KindValidation      Kind = "validation"
	KindUnavailable     Kind = "unavailable"
)

// Reasons used across the service.
const (
	ReasonNoCapacity        = "no_capacity"
	ReasonAlreadyAssigned   = "already_assigned"
	ReasonInvalidToken      = "invalid_token"
	ReasonExpiredToken      = "expired_token"
	ReasonInvalidCheckpoint = "invalid_checkpoint"
	ReasonBadVerifierCred   = "bad_verifier_credential"
	ReasonNotRepresentative = "not_representative"
	ReasonStoreUnavailable  = "store_unavailable"
	ReasonUnknownEntity     = "unknown_entity"
	ReasonMissingSession    = "missing_session"
	ReasonInvalidSession    = "invalid_session"
	ReasonRoleNotAllowed    = "role_not_allowed"
	ReasonRateLimited       = "rate_limited"
)

// Error is a typed application failure.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Cause   error
}

// Error renders the human-readable message.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Unwrap exposes the cause for error chain traversal.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by kind, and by reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// E builds an Error without a cause.
func E(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Cause: cause}
}

// KindOf extracts the kind of err, KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf extracts the reason of err, falling back to its kind.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Reason != "" {
			return e.Reason
		}
		return string(e.Kind)
	}
	return string(KindInternal)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure is transient.  Only Unavailable
// failures are ever retried.
func Retryable(err error) bool { return IsKind(err, KindUnavailable) }

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusGone
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
