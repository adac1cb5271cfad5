// Package apierror is the gateway's error taxonomy and response envelope.
// Every component surfaces failures as *Error values with a stable code;
// clients can program against the codes, so do not rename or remove them.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

type Code string

const (
	RouteNotFound       Code = "ROUTE_NOT_FOUND"
	MissingToken        Code = "MISSING_TOKEN"
	InvalidToken        Code = "INVALID_TOKEN"
	TokenExpired        Code = "TOKEN_EXPIRED"
	TokenNotActive      Code = "TOKEN_NOT_ACTIVE"
	AuthFailed          Code = "AUTH_FAILED"
	AuthRequired        Code = "AUTHENTICATION_REQUIRED"
	InsufficientPerms   Code = "INSUFFICIENT_PERMISSIONS"
	RateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CircuitOpen         Code = "CIRCUIT_BREAKER_OPEN"
	ServiceUnavailable  Code = "SERVICE_UNAVAILABLE"
	GatewayTimeout      Code = "GATEWAY_TIMEOUT"
	UpstreamError       Code = "UPSTREAM_ERROR"
	BadGateway          Code = "BAD_GATEWAY"
	ValidationError     Code = "VALIDATION_ERROR"
	MethodNotAllowed    Code = "METHOD_NOT_ALLOWED"
	URITooLong          Code = "URI_TOO_LONG"
	PayloadTooLarge     Code = "PAYLOAD_TOO_LARGE"
	TooManyInFlight     Code = "TOO_MANY_REQUESTS"
	InternalServerError Code = "INTERNAL_SERVER_ERROR"
)

// defaultStatus maps codes to HTTP statuses; *Error.Status overrides it
// (needed for forwarded upstream 4xx under UPSTREAM_ERROR).
var defaultStatus = map[Code]int{
	RouteNotFound:       http.StatusNotFound,
	MissingToken:        http.StatusUnauthorized,
	InvalidToken:        http.StatusUnauthorized,
	TokenExpired:        http.StatusUnauthorized,
	TokenNotActive:      http.StatusUnauthorized,
	AuthFailed:          http.StatusUnauthorized,
	AuthRequired:        http.StatusUnauthorized,
	InsufficientPerms:   http.StatusForbidden,
	RateLimitExceeded:   http.StatusTooManyRequests,
	CircuitOpen:         http.StatusServiceUnavailable,
	ServiceUnavailable:  http.StatusServiceUnavailable,
	GatewayTimeout:      http.StatusGatewayTimeout,
	UpstreamError:       http.StatusBadGateway,
	BadGateway:          http.StatusBadGateway,
	ValidationError:     http.StatusBadRequest,
	MethodNotAllowed:    http.StatusMethodNotAllowed,
	URITooLong:          http.StatusRequestURITooLong,
	PayloadTooLarge:     http.StatusRequestEntityTooLarge,
	TooManyInFlight:     http.StatusTooManyRequests,
	InternalServerError: http.StatusInternalServerError,
}

// Error is a gateway failure with a stable code and an HTTP status.
type Error struct {
	Code    Code
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the code's default status.
func New(code Code, message string) *Error {
	return &Error{Code: code, Status: StatusFor(code), Message: message}
}

// Wrap attaches a cause to a new *Error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Status: StatusFor(code), Message: message, Err: err}
}

// WithStatus overrides the HTTP status, e.g. a forwarded upstream 4xx.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithDetail adds a key to the envelope's details object.
func (e *Error) WithDetail(key string, val any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = val
	return e
}

func StatusFor(code Code) int {
	if s, ok := defaultStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// From maps any error to an *Error. Already-mapped errors pass through
// unchanged, so the mapper is idempotent; everything else becomes
// INTERNAL_SERVER_ERROR.
func From(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Wrap(InternalServerError, "internal server error", err)
}

// Envelope is the normalized error body emitted to clients.
type Envelope struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId"`
	Timestamp string         `json:"timestamp"`
}

// Write emits the JSON envelope. In production mode the underlying cause is
// elided; in development it is exposed under details.cause.
func Write(w http.ResponseWriter, err error, requestID string, production bool) {
	ge := From(err)

	env := Envelope{
		Error:     string(ge.Code),
		Message:   ge.Message,
		Details:   ge.Details,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if !production && ge.Err != nil {
		// copy so the cause never sticks to the error's own details
		det := make(map[string]any, len(ge.Details)+1)
		for k, v := range ge.Details {
			det[k] = v
		}
		det["cause"] = ge.Err.Error()
		env.Details = det
	}

	status := ge.Status
	if status == 0 {
		status = StatusFor(ge.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
