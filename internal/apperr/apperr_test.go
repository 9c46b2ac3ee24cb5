package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorsCompareByCode(t *testing.T) {
	err := fmt.Errorf("claim: %w", New(CodeTokenInvalidOrExpired, "token gone"))
	if !errors.Is(err, ErrTokenInvalidOrExpired) {
		t.Fatalf("expected wrapped error to match sentinel by code, got %v", err)
	}
	if errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("different codes must not match")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{ErrSessionNotFound, http.StatusNotFound},
		{ScopeMismatch("other session"), http.StatusForbidden},
		{ErrSessionNotActive, http.StatusConflict},
		{Unavailable("down", errors.New("dial tcp")), http.StatusServiceUnavailable},
		{New(CodeUnauthenticated, "no token"), http.StatusUnauthorized},
		{New(CodeRateLimited, "slow down"), http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestMessageHidesInternalCauses(t *testing.T) {
	if got := Message(errors.New("pq: password authentication failed")); got != "internal server error" {
		t.Fatalf("internal message leaked: %q", got)
	}
	if got := Message(ErrExamWindowClosed); got != "exam not active" {
		t.Fatalf("unexpected message %q", got)
	}
}
