// Package apierr defines the error taxonomy surfaced to clients as JSON.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies an error for both the HTTP surface and internal routing
// decisions (e.g. whether the proxy engine should rotate credentials).
type Kind string

const (
	KindAuthentication          Kind = "authentication_error"
	KindNotFound                Kind = "not_found"
	KindBadRequest              Kind = "bad_request"
	KindServiceUnavailable      Kind = "service_unavailable"
	KindAllCredentialsExhausted Kind = "all_credentials_exhausted"
	KindInternal                Kind = "internal_server_error"
)

// Error is the error type returned by core components. It carries enough
// information to render the spec's JSON envelope without the HTTP layer
// having to re-derive status codes from scratch.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newErr(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

func Authentication(format string, args ...any) *Error {
	return newErr(KindAuthentication, http.StatusUnauthorized, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, http.StatusNotFound, format, args...)
}

func BadRequest(format string, args ...any) *Error {
	return newErr(KindBadRequest, http.StatusBadRequest, format, args...)
}

func ServiceUnavailable(format string, args ...any) *Error {
	return newErr(KindServiceUnavailable, http.StatusServiceUnavailable, format, args...)
}

func BadGateway(format string, args ...any) *Error {
	return newErr(KindServiceUnavailable, http.StatusBadGateway, format, args...)
}

func AllCredentialsExhausted(format string, args ...any) *Error {
	return newErr(KindAllCredentialsExhausted, http.StatusServiceUnavailable, format, args...)
}

func Internal(cause error) *Error {
	e := newErr(KindInternal, http.StatusInternalServerError, "an unexpected internal error occurred")
	e.cause = cause
	return e
}

// envelope is the wire shape: {"error":{"code":...,"message":...}}.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code    Kind   `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes err as the spec's JSON error envelope to w, setting the
// status code derived from err. Non-*Error values are treated as Internal.
func WriteJSON(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*Error)
	if !ok {
		apiErr = Internal(err)
	}

	body, _ := json.Marshal(envelope{
		Error: envelopeBody{
			Code:    apiErr.Kind,
			Message: apiErr.Message,
		},
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	w.Write(body)
}

// As reports whether err is an *Error and returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
