package utils

import (
	"strings"
	"testing"
)

func TestGenerateTokenIsUnguessableLength(t *testing.T) {
	a, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := GenerateToken(32)
	if a == b {
		t.Fatalf("tokens must differ")
	}
	if len(a) != 43 {
		t.Fatalf("expected 43 base64url chars for 32 bytes, got %d", len(a))
	}
	if strings.ContainsAny(a, "+/=") {
		t.Fatalf("token must be url safe: %q", a)
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hashed, err := HashPassword("s3cret!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(hashed, "s3cret!") || CheckPassword(hashed, "nope") {
		t.Fatalf("password check mismatch")
	}
}
