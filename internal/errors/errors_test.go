package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorMatchesSentinel(t *testing.T) {
	err := Authentication("token revoked", nil)
	if !errors.Is(err, ErrAuthentication) {
		t.Error("authentication error does not match its sentinel")
	}
	if errors.Is(err, ErrValidation) {
		t.Error("authentication error matches the wrong sentinel")
	}
	if !IsAuthentication(err) {
		t.Error("IsAuthentication false")
	}
}

func TestAppErrorSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("account 111: %w", RateLimit("quotes budget exhausted"))
	if !IsRateLimit(err) {
		t.Error("wrapped rate limit error not detected")
	}
}

func TestAppErrorExposesCause(t *testing.T) {
	sentinel := errors.New("refresh token expired")
	err := Authentication("refresh token rejected", fmt.Errorf("%w: invalid_grant", sentinel))
	if !IsAuthentication(err) {
		t.Error("IsAuthentication false")
	}
	if !errors.Is(err, sentinel) {
		t.Error("underlying cause not reachable through the wrapper")
	}
}

func TestAppErrorMessage(t *testing.T) {
	plain := Validation("bad date")
	if plain.Error() != "bad date" {
		t.Errorf("Error() = %q", plain.Error())
	}

	cause := errors.New("connection reset")
	wrapped := Transport("broker unreachable", cause)
	if wrapped.Error() != "broker unreachable: connection reset" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestValidationFieldDetails(t *testing.T) {
	err := ValidationField("startDate", "must be YYYY-MM-DD")
	if err.Details["field"] != "startDate" {
		t.Errorf("Details = %v", err.Details)
	}
	if !IsValidation(err) {
		t.Error("IsValidation false")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("account"), 404},
		{Authentication("", nil), 401},
		{Validation("bad"), 400},
		{Conflict("busy"), 409},
		{RateLimit("slow down"), 429},
		{Transport("down", nil), 502},
		{errors.New("mystery"), 500},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
