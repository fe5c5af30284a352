package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestURLSigner_SignAndVerify(t *testing.T) {
	signer := NewURLSigner("test-secret", time.Hour)

	token, err := signer.Sign("private", "images/a.png")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if token == "" {
		t.Fatal("Sign() returned empty token")
	}

	claims, err := signer.Verify(token, "private", "images/a.png")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Disk != "private" {
		t.Errorf("Verify() Disk = %v, want %v", claims.Disk, "private")
	}
	if claims.Path != "images/a.png" {
		t.Errorf("Verify() Path = %v, want %v", claims.Path, "images/a.png")
	}
	if claims.ExpiresAt.Before(time.Now()) {
		t.Error("Verify() token should not be expired")
	}
}

func TestURLSigner_UniqueTokens(t *testing.T) {
	signer := NewURLSigner("test-secret", time.Hour)

	first, err := signer.Sign("d", "a.txt")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	second, err := signer.Sign("d", "a.txt")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if first == second {
		t.Error("Sign() should generate unique tokens")
	}
}

func TestURLSigner_RejectsOtherFile(t *testing.T) {
	signer := NewURLSigner("test-secret", time.Hour)

	token, err := signer.Sign("private", "a.txt")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if _, err := signer.Verify(token, "private", "b.txt"); !errors.Is(err, ErrTokenScope) {
		t.Errorf("Verify() other path error = %v, want %v", err, ErrTokenScope)
	}
	if _, err := signer.Verify(token, "public", "a.txt"); !errors.Is(err, ErrTokenScope) {
		t.Errorf("Verify() other disk error = %v, want %v", err, ErrTokenScope)
	}
}

func TestURLSigner_RejectsInvalidTokens(t *testing.T) {
	signer := NewURLSigner("test-secret", time.Hour)

	for _, token := range []string{"", "invalid-token"} {
		if _, err := signer.Verify(token, "d", "a.txt"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(%q) error = %v, want %v", token, err, ErrInvalidToken)
		}
	}

	other := NewURLSigner("other-secret", time.Hour)
	token, err := other.Sign("d", "a.txt")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if _, err := signer.Verify(token, "d", "a.txt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() with foreign secret error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestURLSigner_Expiry(t *testing.T) {
	signer := NewURLSigner("test-secret", time.Minute)
	issued := time.Now()
	signer.now = func() time.Time { return issued }

	token, err := signer.Sign("d", "a.txt")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	signer.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := signer.Verify(token, "d", "a.txt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() expired token error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/files/d/a.txt?token=abc", nil)
	if got := TokenFromRequest(req); got != "abc" {
		t.Errorf("TokenFromRequest() = %q, want %q", got, "abc")
	}

	req = httptest.NewRequest("GET", "/files/d/a.txt", nil)
	req.Header.Set("Authorization", "Bearer xyz")
	if got := TokenFromRequest(req); got != "xyz" {
		t.Errorf("TokenFromRequest() = %q, want %q", got, "xyz")
	}

	req = httptest.NewRequest("GET", "/files/d/a.txt", nil)
	if got := TokenFromRequest(req); got != "" {
		t.Errorf("TokenFromRequest() = %q, want empty", got)
	}
}
