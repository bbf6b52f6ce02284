package errors

import (
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestHTTPStatusTable(t *testing.T) {
	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.OK, http.StatusOK},
		{codes.InvalidArgument, http.StatusBadRequest},
		{codes.Unauthenticated, http.StatusUnauthorized},
		{codes.PermissionDenied, http.StatusForbidden},
		{codes.NotFound, http.StatusNotFound},
		{codes.AlreadyExists, http.StatusConflict},
		{codes.FailedPrecondition, http.StatusPreconditionFailed},
		{codes.ResourceExhausted, http.StatusTooManyRequests},
		{codes.Unimplemented, http.StatusNotImplemented},
		{codes.Unavailable, http.StatusServiceUnavailable},
		{codes.DeadlineExceeded, http.StatusGatewayTimeout},
		// Everything else maps to 500.
		{codes.Unknown, http.StatusInternalServerError},
		{codes.Internal, http.StatusInternalServerError},
		{codes.DataLoss, http.StatusInternalServerError},
		{codes.Aborted, http.StatusInternalServerError},
		{codes.Canceled, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestGRPCCodeRoundTrip(t *testing.T) {
	// For every code in the fixed table, mapping to HTTP and back must be
	// the identity.
	for code := range httpByGRPC {
		if got := GRPCCode(HTTPStatus(code)); got != code {
			t.Errorf("round trip for %v: got %v", code, got)
		}
	}
}

func TestMethodNotAllowedCode(t *testing.T) {
	// A 405 is a malformed request for the resource, not a missing RPC.
	if ErrMethodNotAllowed.GRPCCode != codes.InvalidArgument {
		t.Errorf("ErrMethodNotAllowed gRPC code = %v, want InvalidArgument", ErrMethodNotAllowed.GRPCCode)
	}
	if ErrMethodNotAllowed.Code != http.StatusMethodNotAllowed {
		t.Errorf("ErrMethodNotAllowed HTTP status = %d, want 405", ErrMethodNotAllowed.Code)
	}
}

func TestGatewayErrorWrap(t *testing.T) {
	base := New(http.StatusBadRequest, "missing schema")
	if base.GRPCCode != codes.InvalidArgument {
		t.Errorf("derived gRPC code = %v, want InvalidArgument", base.GRPCCode)
	}

	withID := base.WithCorrelationID("abc-123")
	if withID.CorrelationID != "abc-123" {
		t.Errorf("correlation id not set")
	}
	if base.CorrelationID != "" {
		t.Error("WithCorrelationID mutated the singleton")
	}
}

func TestFromGRPC(t *testing.T) {
	ge := FromGRPC(codes.Unavailable, "backend gone")
	if ge.Code != http.StatusServiceUnavailable {
		t.Errorf("Code = %d, want 503", ge.Code)
	}
	if ge.Message != "backend gone" {
		t.Errorf("Message = %q", ge.Message)
	}
}
