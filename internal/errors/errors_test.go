package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructors_HTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    *ServiceError
		code   ErrorCode
		status int
	}{
		{"bad request", BadRequest("bad"), CodeBadRequest, http.StatusBadRequest},
		{"validation", Validation("invalid", nil), CodeValidation, http.StatusBadRequest},
		{"not found", NotFound("loan", "x"), CodeNotFound, http.StatusNotFound},
		{"unauthorized", Unauthorized(""), CodeUnauthorized, http.StatusUnauthorized},
		{"invalid token", InvalidToken(nil), CodeInvalidToken, http.StatusUnauthorized},
		{"forbidden", Forbidden(""), CodeForbidden, http.StatusForbidden},
		{"rate limited", RateLimitExceeded(10, "1s"), CodeRateLimited, http.StatusTooManyRequests},
		{"upstream", Upstream(errors.New("boom")), CodeUpstream, http.StatusBadGateway},
		{"internal", Internal("oops", nil), CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %s, want %s", tt.err.Code, tt.code)
			}
			if tt.err.HTTPStatus != tt.status {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.status)
			}
		})
	}
}

func TestUpstream_KeepsMessageVerbatim(t *testing.T) {
	cause := errors.New(`duplicate key value violates unique constraint "members_member_code_key"`)
	err := Upstream(cause)

	if err.Message != cause.Error() {
		t.Errorf("Message = %q, want %q", err.Message, cause.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestGetServiceError_Wrapped(t *testing.T) {
	base := NotFound("book", "42")
	wrapped := fmt.Errorf("trash book: %w", base)

	got := GetServiceError(wrapped)
	if got != base {
		t.Fatalf("GetServiceError() = %v, want %v", got, base)
	}
	if HTTPStatus(wrapped) != http.StatusNotFound {
		t.Errorf("HTTPStatus() = %d, want 404", HTTPStatus(wrapped))
	}
	if !IsCode(wrapped, CodeNotFound) {
		t.Error("IsCode() = false, want true")
	}
	if GetServiceError(errors.New("plain")) != nil {
		t.Error("GetServiceError(plain) should be nil")
	}
	if HTTPStatus(errors.New("plain")) != http.StatusInternalServerError {
		t.Error("HTTPStatus(plain) should default to 500")
	}
}

func TestWithDetails(t *testing.T) {
	err := InvalidToken(nil).WithDetails("method", "RS256")
	if err.Details["method"] != "RS256" {
		t.Errorf("Details[method] = %v, want RS256", err.Details["method"])
	}
}
