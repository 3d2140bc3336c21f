// Package apperr defines the error taxonomy and how the HTTP edge maps
// each kind to a status code and JSON body. Handlers return these
// typed errors; internal/api translates them to gin.H{"error": ...}
// responses, so every component shares one mapping instead of each
// handler hand-rolling its own.
package apperr

import "net/http"

// Kind identifies one taxonomy entry.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindBotRejected         Kind = "BOT_REJECTED"
	KindQueueNotReady       Kind = "QUEUE_NOT_READY"
	KindFingerprintMismatch Kind = "FINGERPRINT_MISMATCH"
	KindGeoReject           Kind = "GEO_REJECT"
	KindAlreadyRegistered   Kind = "ALREADY_REGISTERED"
	KindAlreadyPurchased    Kind = "ALREADY_PURCHASED"
	KindTokenExpired        Kind = "TOKEN_EXPIRED"
	KindTokenInvalid        Kind = "TOKEN_INVALID"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindUpstreamTimeout     Kind = "UPSTREAM_TIMEOUT"
	KindUpstreamError       Kind = "UPSTREAM_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindInternal            Kind = "INTERNAL"
)

// Error is a typed application failure carrying enough context for the
// HTTP edge to render its response shape.
type Error struct {
	Kind       Kind
	Code       string // e.g. "INVALID_INPUT", "POW_FAILED", "BOT_DETECTED"
	Message    string
	RetryAfter int // seconds, only meaningful for RateLimited/QueueNotReady
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// StatusCode maps a Kind to its HTTP status code.
func (k Kind) StatusCode() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindBotRejected, KindFingerprintMismatch, KindGeoReject:
		return http.StatusForbidden
	case KindQueueNotReady, KindRateLimited:
		return http.StatusTooManyRequests
	case KindAlreadyRegistered, KindAlreadyPurchased, KindConflict:
		return http.StatusConflict
	case KindTokenExpired:
		return http.StatusGone
	case KindTokenInvalid:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New constructs an *Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WithRetryAfter attaches a retry hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// Validation, BotRejected, ... are convenience constructors for the most
// common taxonomy entries used throughout the domain packages.
func Validation(code, msg string) *Error       { return New(KindValidation, code, msg) }
func BotRejected(code, msg string) *Error      { return New(KindBotRejected, code, msg) }
func GeoReject(msg string) *Error              { return New(KindGeoReject, "GEO_REJECT", msg) }
func AlreadyRegistered(msg string) *Error      { return New(KindAlreadyRegistered, "ALREADY_REGISTERED", msg) }
func AlreadyPurchased(msg string) *Error       { return New(KindAlreadyPurchased, "ALREADY_PURCHASED", msg) }
func TokenExpired(msg string) *Error           { return New(KindTokenExpired, "TOKEN_EXPIRED", msg) }
func TokenInvalid(msg string) *Error           { return New(KindTokenInvalid, "TOKEN_INVALID", msg) }
func NotFound(msg string) *Error               { return New(KindNotFound, "NOT_FOUND", msg) }
func Internal(msg string) *Error               { return New(KindInternal, "INTERNAL_ERROR", msg) }

func RateLimited(retryAfterSeconds int) *Error {
	return New(KindRateLimited, "RATE_LIMITED", "Rate limit exceeded").WithRetryAfter(retryAfterSeconds)
}

func QueueNotReady(retryAfterSeconds int) *Error {
	return New(KindQueueNotReady, "QUEUE_NOT_READY", "Queue token not ready").WithRetryAfter(retryAfterSeconds)
}
