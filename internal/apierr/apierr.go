// Package apierr implements the platform's tagged-variant error model: a
// closed set of error codes and one total function mapping a code to an
// HTTP status. Callers construct an *Error with New/Wrap and compare codes
// with errors.As — there is no dynamic type-downcasting fallback path.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a closed enum of the error conditions the platform surfaces to
// clients or uses internally to drive control flow (e.g. retry policy).
type Code string

const (
	CodeInsufficientScope Code = "INSUFFICIENT_SCOPE"
	CodeInvalidTopic      Code = "INVALID_TOPIC"
	CodePayloadTooLarge   Code = "PAYLOAD_TOO_LARGE"
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeTenantSuspended   Code = "TENANT_SUSPENDED"
	CodeQuotaExceeded     Code = "QUOTA_EXCEEDED"
	CodePublishFailed     Code = "PUBLISH_FAILED"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInternal          Code = "INTERNAL"

	// CodeConnectionLimitExceeded covers the per-project max_connections
	// cap on Register — distinct from CodeQuotaExceeded, which gates event
	// admission, not session count.
	CodeConnectionLimitExceeded Code = "CONNECTION_LIMIT_EXCEEDED"
)

// HTTPStatus is the single total mapping from Code to an HTTP status. Every
// Code constant above must appear here; the default case exists only to
// make the function total over the underlying string type, not as a
// silent catch-all for codes this package doesn't know about.
func HTTPStatus(c Code) int {
	switch c {
	case CodeInsufficientScope:
		return http.StatusForbidden
	case CodeInvalidTopic, CodeValidationFailed:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTenantSuspended:
		return http.StatusForbidden
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodePublishFailed:
		return http.StatusServiceUnavailable
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInternal:
		return http.StatusInternalServerError
	case CodeConnectionLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the platform's error envelope. Message is safe to show to
// callers; Details carries structured, code-specific context (e.g. the
// offending topic). RequestID is filled in by the HTTP layer, not by the
// code that raises the error.
type Error struct {
	Code      Code
	Message   string
	Details   map[string]any
	RequestID string
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error carrying code and a client-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches an underlying cause to a new *Error without leaking cause's
// text into Message — callers choose what the client sees.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithRequestID returns a copy of e with RequestID set.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.RequestID = id
	return &cp
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, and reports CodeInternal otherwise. Used at the HTTP boundary to
// pick a status without a type-switch fallback ladder.
func CodeOf(err error) Code {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeInternal
}

// Envelope is the wire shape of an error response body.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the nested "error" object within Envelope.
type EnvelopeBody struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ToEnvelope renders err as the wire envelope, falling back to CodeInternal
// with a generic message for errors that aren't *Error (a programming bug
// elsewhere, not a condition callers should see details of).
func ToEnvelope(err error, requestID string) Envelope {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.RequestID == "" {
			apiErr = apiErr.WithRequestID(requestID)
		}
		return Envelope{Error: EnvelopeBody{
			Code:      apiErr.Code,
			Message:   apiErr.Message,
			Details:   apiErr.Details,
			RequestID: apiErr.RequestID,
		}}
	}
	return Envelope{Error: EnvelopeBody{
		Code:      CodeInternal,
		Message:   "internal error",
		RequestID: requestID,
	}}
}
