package token

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerify(t *testing.T) {
	issuer, err := NewIssuer("test-secret")
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}

	tokenString, err := issuer.Issue("job-1", "owner-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	claims, err := issuer.Verify(tokenString)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.JobID != "job-1" || claims.OwnerID != "owner-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyExpired(t *testing.T) {
	issuer, err := NewIssuer("test-secret")
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}

	tokenString, err := issuer.Issue("job-1", "owner-1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	if _, err := issuer.Verify(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer, err := NewIssuer("test-secret")
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}
	other, err := NewIssuer("other-secret")
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}

	tokenString, err := other.Issue("job-1", "owner-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	if _, err := issuer.Verify(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}
}

func TestVerifyWrongPurpose(t *testing.T) {
	secret := "test-secret"
	issuer, err := NewIssuer(secret)
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}

	// 正しい鍵で署名されていても purpose が違えば拒否する
	claims := downloadClaims{
		JobID:   "job-1",
		OwnerID: "owner-1",
		Purpose: "password_reset",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := issuer.Verify(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong purpose, got %v", err)
	}
}

func TestVerifyMissingExpiry(t *testing.T) {
	secret := "test-secret"
	issuer, err := NewIssuer(secret)
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}

	claims := downloadClaims{
		JobID:   "job-1",
		OwnerID: "owner-1",
		Purpose: PurposeExportDownload,
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := issuer.Verify(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for missing exp claim, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	issuer, err := NewIssuer("test-secret")
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}
	if _, err := issuer.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
