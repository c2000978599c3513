// Package apierr defines the error taxonomy shared across gatewayd's
// components, grounded on the reference gateway's manager.IsModelNotFound /
// manager.IsTooBusy predicate pattern, generalized to the full kind set of
// spec §7 and given a single HTTPError contract for internal/httpapi to map
// centrally instead of ad hoc per-handler status codes.
package apierr

import "fmt"

// Kind identifies one of the taxonomy's error categories.
type Kind string

const (
	KindConfigError            Kind = "config_error"
	KindModelNotFound          Kind = "model_not_found"
	KindStartFailure           Kind = "start_failed"
	KindQueueFull              Kind = "queue_full"
	KindQueueTimeout           Kind = "queue_timeout"
	KindBackendTransportError  Kind = "backend_transport_error"
	KindAdmissionDenied        Kind = "admission_denied"
	KindGroupNotFound          Kind = "group_not_found"
	KindBadRequest             Kind = "bad_request"
	KindPayloadTooLarge        Kind = "payload_too_large"
	KindInternal               Kind = "internal_error"
)

// statusOf maps a Kind to the HTTP status code and error "type" bucket
// spec §7 assigns it.
var statusOf = map[Kind]struct {
	code int
	typ  string
}{
	KindConfigError:           {400, "invalid_request_error"},
	KindModelNotFound:         {404, "invalid_request_error"},
	KindStartFailure:          {503, "server_error"},
	KindQueueFull:             {503, "server_error"},
	KindQueueTimeout:          {504, "server_error"},
	KindBackendTransportError: {502, "server_error"},
	KindAdmissionDenied:       {503, "server_error"},
	KindGroupNotFound:         {404, "invalid_request_error"},
	KindBadRequest:            {400, "invalid_request_error"},
	KindPayloadTooLarge:       {413, "invalid_request_error"},
	KindInternal:              {500, "server_error"},
}

// Error is a typed error value carrying a Kind (which determines its HTTP
// status via StatusCode), a message, an optional Retry-After hint, and an
// optional wrapped cause.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; 0 means "not set"
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status for e's Kind (500 for an unknown Kind).
func (e *Error) StatusCode() int {
	if s, ok := statusOf[e.Kind]; ok {
		return s.code
	}
	return 500
}

// Type returns the error-body "type" bucket for this Kind.
func (e *Error) Type() string {
	if s, ok := statusOf[e.Kind]; ok {
		return s.typ
	}
	return "server_error"
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithRetryAfter sets the Retry-After seconds hint and returns the receiver.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// Is reports whether err (or something it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

func IsModelNotFound(err error) bool         { return Is(err, KindModelNotFound) }
func IsStartFailure(err error) bool          { return Is(err, KindStartFailure) }
func IsQueueFull(err error) bool             { return Is(err, KindQueueFull) }
func IsQueueTimeout(err error) bool          { return Is(err, KindQueueTimeout) }
func IsBackendTransportError(err error) bool { return Is(err, KindBackendTransportError) }
func IsAdmissionDenied(err error) bool       { return Is(err, KindAdmissionDenied) }
func IsConfigError(err error) bool           { return Is(err, KindConfigError) }
