// Package gwerrors implements the gateway's error taxonomy: a single typed
// error carrying a stable machine-readable code, an HTTP status, a
// recoverability hint, and a wrapped cause. Stage/middleware/adapter/router
// code paths all wrap through this type instead of returning bare errors, so
// the HTTP Surface can translate any error into the standard envelope
// ({code, message, meta?, recoverable?}) in one place.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeTimeout            Code = "TIMEOUT"
	CodeCanceled           Code = "CANCELED"
	CodeBackendError       Code = "BACKEND_ERROR"
	CodeTransportFailure   Code = "TRANSPORT_FAILURE"
	CodeBreakerOpen        Code = "BREAKER_OPEN"
	CodeNoServiceAvailable Code = "NO_SERVICE_AVAILABLE"
	CodeOverloaded         Code = "OVERLOADED"
	CodeInternal           Code = "INTERNAL"
)

// statusByCode maps each taxonomy code to the HTTP status spec §6/§7 assigns it.
var statusByCode = map[Code]int{
	CodeValidation:         http.StatusBadRequest,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeNotFound:           http.StatusNotFound,
	CodeConflict:           http.StatusConflict,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeCanceled:           499, // client closed request, nginx convention
	CodeBackendError:       http.StatusBadGateway,
	CodeTransportFailure:   http.StatusBadGateway,
	CodeBreakerOpen:        http.StatusServiceUnavailable,
	CodeNoServiceAvailable: http.StatusServiceUnavailable,
	CodeOverloaded:         http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
}

// recoverableByCode marks which codes are safe for a caller to retry.
var recoverableByCode = map[Code]bool{
	CodeTimeout:          true,
	CodeRateLimited:      true,
	CodeTransportFailure: true,
	CodeBreakerOpen:      true,
	CodeOverloaded:       true,
}

// Error is the gateway's single error type. It satisfies the standard error
// interface and errors.Unwrap so errors.Is/As work through wrapping chains.
type Error struct {
	Code       Code
	Message    string
	Meta       map[string]interface{}
	Recoverable bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code this error maps to.
func (e *Error) Status() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs a fresh Error with no cause.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: recoverableByCode[code],
	}
}

// Wrap attaches context (stage name, middleware name, instance ID, transport
// type, routing decision so far — whatever the caller has) to an existing
// error, preserving it as the Cause. If cause is already a *Error, its code
// is inherited when code is empty, and the result is recoverable if either
// the cause or code is recoverable.
func Wrap(cause error, code Code, format string, args ...interface{}) *Error {
	recoverable := recoverableByCode[code]
	if existing := AsError(cause); existing != nil {
		if code == "" {
			code = existing.Code
		}
		recoverable = recoverable || existing.Recoverable
	}
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: recoverable,
		Cause:       cause,
	}
}

// WithMeta attaches structured detail to an error and returns it for chaining.
func (e *Error) WithMeta(key string, value interface{}) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]interface{})
	}
	e.Meta[key] = value
	return e
}

// AsError extracts a *Error from an error chain, or nil if none is present.
func AsError(err error) *Error {
	var target *Error
	if errors.As(err, &target) {
		return target
	}
	return nil
}

// StatusFor returns the HTTP status for any error: the Error's own status if
// it is (or wraps to) one, otherwise 500.
func StatusFor(err error) int {
	if gwErr := AsError(err); gwErr != nil {
		return gwErr.Status()
	}
	return http.StatusInternalServerError
}

// Envelope is the wire shape of spec §6's standard error response.
type Envelope struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	Recoverable *bool                  `json:"recoverable,omitempty"`
}

// ToEnvelope converts any error into the wire envelope, defaulting to an
// internal-error code for unrecognized errors.
func ToEnvelope(err error) Envelope {
	gwErr := AsError(err)
	if gwErr == nil {
		return Envelope{Code: string(CodeInternal), Message: err.Error()}
	}
	env := Envelope{Code: string(gwErr.Code), Message: gwErr.Message, Meta: gwErr.Meta}
	if gwErr.Recoverable {
		recoverable := true
		env.Recoverable = &recoverable
	}
	return env
}
