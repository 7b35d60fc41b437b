package auth

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestDevValidatorAcceptsMatchingToken(t *testing.T) {
	v := NewDevValidator("secret-token")

	claims, err := v.Validate("secret-token")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "dev" {
		t.Errorf("expected subject 'dev', got %q", claims.Subject)
	}
	if claims.Workspace != "default" {
		t.Errorf("expected workspace 'default', got %q", claims.Workspace)
	}
}

func TestDevValidatorRejectsMismatchedToken(t *testing.T) {
	v := NewDevValidator("secret-token")

	if _, err := v.Validate("wrong-token"); err == nil {
		t.Fatal("expected error for mismatched dev token")
	}
}

func TestDevValidatorIsDev(t *testing.T) {
	v := NewDevValidator("secret-token")
	if !v.IsDev() {
		t.Fatal("expected IsDev to be true for a dev validator")
	}

	jwksValidator := &Validator{audience: "aud"}
	if jwksValidator.IsDev() {
		t.Fatal("expected IsDev to be false when no dev token is set")
	}
}

func TestExtractTokenFromProtocols(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantToken string
		wantOK    bool
	}{
		{"single jwt entry", "jwt.abc123", "abc123", true},
		{"openagent prefix then jwt entry", "openagent, jwt.abc123", "abc123", true},
		{"extra whitespace", "openagent ,  jwt.abc123  ", "abc123", true},
		{"no jwt entry", "openagent, binary", "", false},
		{"empty jwt suffix", "jwt.", "", false},
		{"empty header", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, ok := ExtractTokenFromProtocols(tt.header)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if token != tt.wantToken {
				t.Fatalf("token = %q, want %q", token, tt.wantToken)
			}
		})
	}
}

func TestFingerprintTokenIsStableAndDerivedFromInput(t *testing.T) {
	token := "some-bearer-token"
	got := FingerprintToken(token)

	sum := md5.Sum([]byte(token))
	want := hex.EncodeToString(sum[:])
	if got != want {
		t.Fatalf("FingerprintToken(%q) = %q, want %q", token, got, want)
	}

	if FingerprintToken(token) != got {
		t.Fatal("FingerprintToken should be deterministic for the same input")
	}
	if FingerprintToken("different-token") == got {
		t.Fatal("distinct tokens should not fingerprint to the same value")
	}
}

func TestClaimsEmbedsRegisteredClaims(t *testing.T) {
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		Workspace:        "ws-1",
	}
	if c.Subject != "user-1" {
		t.Errorf("expected embedded Subject accessible, got %q", c.Subject)
	}
	if c.Workspace != "ws-1" {
		t.Errorf("expected Workspace 'ws-1', got %q", c.Workspace)
	}
}
