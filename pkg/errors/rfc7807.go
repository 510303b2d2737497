// Package errors provides kind-tagged errors for the queue and dispatch core
// and renders them as RFC 7807 Problem Details for the HTTP front-end.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is = errors.Is
	As = errors.As
)

// Error kinds
const (
	KindNotFound         = "NotFound"
	KindCapacityExceeded = "CapacityExceeded"
	KindInvalidIdentity  = "InvalidIdentity"
	KindRouteUnreachable = "RouteUnreachable"
	KindUnknownResource  = "UnknownResource"
	KindExecutionFailure = "ExecutionFailure"
	KindInvalid          = "Invalid"
	KindUnavailable      = "Unavailable"
	KindUnauthorized     = "Unauthorized"
)

var (
	NotFound         = NewWithKind(KindNotFound)
	CapacityExceeded = NewWithKind(KindCapacityExceeded)
	InvalidIdentity  = NewWithKind(KindInvalidIdentity)
	RouteUnreachable = NewWithKind(KindRouteUnreachable)
	// UnknownResource is a RouteUnreachable-class error raised when a
	// resource id has no registered endpoint. It is a configuration error,
	// not a transient one.
	UnknownResource  = NewWithKind(KindUnknownResource)
	ExecutionFailure = NewWithKind(KindExecutionFailure)
	Invalid          = NewWithKind(KindInvalid)
	Unavailable      = NewWithKind(KindUnavailable)
	Unauthorized     = NewWithKind(KindUnauthorized)
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the given cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return ""
}

// Message returns the human readable message of err. For an *Error with a
// message only the message is returned, without kind or cause.
func Message(err error) string {
	var e *Error
	if As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Problem type URIs
const (
	TypeNotFound         = "https://crossqueue.dev/problems/not-found"
	TypeCapacityExceeded = "https://crossqueue.dev/problems/capacity-exceeded"
	TypeInvalidIdentity  = "https://crossqueue.dev/problems/invalid-identity"
	TypeRouteUnreachable = "https://crossqueue.dev/problems/route-unreachable"
	TypeUnknownResource  = "https://crossqueue.dev/problems/unknown-resource"
	TypeExecutionFailure = "https://crossqueue.dev/problems/execution-failure"
	TypeValidationError  = "https://crossqueue.dev/problems/validation-error"
	TypeUnavailable      = "https://crossqueue.dev/problems/unavailable"
	TypeUnauthorized     = "https://crossqueue.dev/problems/unauthorized"
	TypeInternalError    = "https://crossqueue.dev/problems/internal-error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	Extra    map[string]any `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value any) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]any)
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]any)
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}
	for k, v := range p.Extra {
		result[k] = v
	}
	return json.Marshal(result)
}

var problemTable = map[string]struct {
	typ    string
	title  string
	status int
}{
	KindNotFound:         {TypeNotFound, "Not Found", http.StatusNotFound},
	KindCapacityExceeded: {TypeCapacityExceeded, "Capacity Exceeded", http.StatusTooManyRequests},
	KindInvalidIdentity:  {TypeInvalidIdentity, "Invalid Identity", http.StatusUnprocessableEntity},
	KindRouteUnreachable: {TypeRouteUnreachable, "Route Unreachable", http.StatusBadGateway},
	KindUnknownResource:  {TypeUnknownResource, "Unknown Resource", http.StatusNotFound},
	KindExecutionFailure: {TypeExecutionFailure, "Execution Failure", http.StatusBadGateway},
	KindInvalid:          {TypeValidationError, "Validation Error", http.StatusBadRequest},
	KindUnavailable:      {TypeUnavailable, "Service Unavailable", http.StatusServiceUnavailable},
	KindUnauthorized:     {TypeUnauthorized, "Unauthorized", http.StatusUnauthorized},
}

// Problem converts err into Problem Details. Errors without a known kind map
// to an internal error.
func Problem(err error, instance string) *ProblemDetails {
	entry, ok := problemTable[KindOf(err)]
	if !ok {
		return &ProblemDetails{
			Type:     TypeInternalError,
			Title:    "Internal Server Error",
			Status:   http.StatusInternalServerError,
			Detail:   Message(err),
			Instance: instance,
		}
	}
	return &ProblemDetails{
		Type:     entry.typ,
		Title:    entry.title,
		Status:   entry.status,
		Detail:   Message(err),
		Instance: instance,
	}
}
