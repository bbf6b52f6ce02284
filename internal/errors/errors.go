// Package errors defines the client-visible error type used at the gateway
// boundary, together with the fixed gRPC-to-HTTP status mapping.
//
// Translators never swallow errors: they carry them to the boundary and map
// them exactly once, here. Internal failures are logged with a correlation id
// and surfaced with a generic message only.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// GatewayError represents an error that can be returned to clients.
type GatewayError struct {
	Code          int        `json:"code"`
	GRPCCode      codes.Code `json:"-"`
	Message       string     `json:"message"`
	Details       string     `json:"details,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	underlying    error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	json.NewEncoder(w).Encode(e)
}

// Common errors. These are singletons; use WithDetails to attach context.
var (
	ErrBadRequest = &GatewayError{
		Code:     http.StatusBadRequest,
		GRPCCode: codes.InvalidArgument,
		Message:  "Bad Request",
	}

	ErrUnauthorized = &GatewayError{
		Code:     http.StatusUnauthorized,
		GRPCCode: codes.Unauthenticated,
		Message:  "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Code:     http.StatusForbidden,
		GRPCCode: codes.PermissionDenied,
		Message:  "Forbidden",
	}

	ErrNotFound = &GatewayError{
		Code:     http.StatusNotFound,
		GRPCCode: codes.NotFound,
		Message:  "Not Found",
	}

	// 405 has no exact gRPC equivalent; Unimplemented would claim the RPC
	// itself is missing, so it carries InvalidArgument.
	ErrMethodNotAllowed = &GatewayError{
		Code:     http.StatusMethodNotAllowed,
		GRPCCode: codes.InvalidArgument,
		Message:  "Method Not Allowed",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:     http.StatusServiceUnavailable,
		GRPCCode: codes.Unavailable,
		Message:  "Service Unavailable",
	}

	ErrInternalServer = &GatewayError{
		Code:     http.StatusInternalServerError,
		GRPCCode: codes.Internal,
		Message:  "Internal Server Error",
	}
)

// New creates a new GatewayError from an HTTP status and message. The gRPC
// code is derived from the status table.
func New(code int, message string) *GatewayError {
	return &GatewayError{
		Code:     code,
		GRPCCode: GRPCCode(code),
		Message:  message,
	}
}

// FromGRPC creates a GatewayError from a gRPC status code and message,
// mapping the HTTP status through the fixed table.
func FromGRPC(code codes.Code, message string) *GatewayError {
	return &GatewayError{
		Code:     HTTPStatus(code),
		GRPCCode: code,
		Message:  message,
	}
}

// Wrap wraps an error with a client-visible HTTP status and message.
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		GRPCCode:   GRPCCode(code),
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy carrying additional detail text.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	clone := *e
	clone.Details = details
	return &clone
}

// WithCorrelationID returns a copy carrying the correlation id logged with
// the server-side record of this failure.
func (e *GatewayError) WithCorrelationID(id string) *GatewayError {
	clone := *e
	clone.CorrelationID = id
	return &clone
}

// AsGatewayError checks whether err is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
