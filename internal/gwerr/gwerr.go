// Package gwerr defines the gateway's error taxonomy: a small tagged union
// with a cheap conversion to (http_status, errno, message), so the
// error-to-response mapping stays exhaustive and testable without relying
// on type switches scattered through the handler.
package gwerr

import "fmt"

// Kind identifies one of the error categories from the core's error table.
type Kind string

const (
	InvalidUserAgent Kind = "INVALID_USER_AGENT"
	LocationUnknown  Kind = "LOCATION_UNKNOWN"
	UpstreamTimeout  Kind = "UPSTREAM_TIMEOUT"
	UpstreamHTTP     Kind = "UPSTREAM_HTTP"
	BadResponse      Kind = "BAD_RESPONSE"
	InvalidImage     Kind = "INVALID_IMAGE"
	UploadError      Kind = "UPLOAD_ERROR"
	Internal         Kind = "INTERNAL"
)

// Error is the gateway's tagged-union error type. The request handler shapes
// a client response from HTTPStatus, Errno and Message (and checks Kind for
// the tablet BadResponse case); Err, when present, carries the underlying
// cause for logs.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Errno      int
	Message    string
	Err        error

	// Soft distinguishes a connect-phase timeout (TCP+TLS handshake alone
	// overran) from a full-exchange timeout, for UpstreamTimeout only. The
	// tile cache's builder treats a soft timeout on a key's first-ever
	// build as a transient warm-up condition rather than a build failure.
	Soft bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, status, errno int, message string, err error) *Error {
	return &Error{Kind: kind, HTTPStatus: status, Errno: errno, Message: message, Err: err}
}

// FirefoxOnly is returned by the request handler when the User-Agent does
// not identify the sanctioned browser.
func FirefoxOnly() *Error {
	return newErr(InvalidUserAgent, 403, 700, "This service is for firefox only", nil)
}

// RequestDataError surfaces upstream 4xx/5xx and connection-level failures
// that are not timeouts.
func RequestDataError(err error) *Error {
	return newErr(UpstreamHTTP, 500, 520, "An error occurred while trying to request data", err)
}

// Timeout builds an UpstreamTimeout error for a full-exchange (request)
// timeout, wrapping the underlying cause.
func Timeout(err error) *Error {
	return newErr(UpstreamTimeout, 503, 522, "An invalid response received from the partner", err)
}

// SoftTimeout builds an UpstreamTimeout error for a connect-phase timeout
// (TCP+TLS handshake alone overran connect_timeout).
func SoftTimeout(err error) *Error {
	e := newErr(UpstreamTimeout, 503, 522, "An invalid response received from the partner", err)
	e.Soft = true
	return e
}

// Bad builds a BadResponse error wrapping the underlying cause.
func Bad(err error) *Error {
	return newErr(BadResponse, 503, 522, "An invalid response received from the partner", err)
}

// InternalErr wraps an unexpected failure (panic recovery, programming error).
func InternalErr(err error) *Error {
	return newErr(Internal, 500, 520, "An error occurred while trying to request data", err)
}

// InvalidImageErr is returned by the mirror when an advertiser-hosted image
// fails to fetch, exceeds the size ceiling, or is not sniffed as an allowed
// image type.
func InvalidImageErr(err error) *Error {
	return newErr(InvalidImage, 503, 522, "An invalid response received from the partner", err)
}

// UploadErr is returned by the mirror when the object store rejects or fails
// to complete a PutIfAbsent.
func UploadErr(err error) *Error {
	return newErr(UploadError, 500, 520, "An error occurred while trying to request data", err)
}
