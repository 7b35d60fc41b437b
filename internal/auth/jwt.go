// Package auth provides JWT validation using JWKS, plus the
// Sec-WebSocket-Protocol token-passing convention used by console
// and workspace-shell upgrades.
package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT claims presented by a console/workspace-shell client.
type Claims struct {
	jwt.RegisteredClaims
	Workspace string `json:"workspace"`
}

// Validator validates bearer tokens for WebSocket upgrades. In JWKS mode
// tokens are verified against a remote key set; in dev mode a single
// shared token string is compared directly and a synthetic subject is
// returned, so a local workspace-hostd can run without an auth service.
type Validator struct {
	jwks     *keyfunc.Keyfunc
	audience string
	issuer   string
	devToken string
}

// NewJWKSValidator creates a Validator that fetches keys from a JWKS endpoint.
func NewJWKSValidator(jwksURL, audience, issuer string) (*Validator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return &Validator{jwks: k, audience: audience, issuer: issuer}, nil
}

// NewDevValidator creates a Validator that accepts a single static token,
// used for local development when no JWKS endpoint is configured.
func NewDevValidator(token string) *Validator {
	return &Validator{devToken: token}
}

// Validate validates a bearer token and returns its claims.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	if v.devToken != "" {
		if tokenString != v.devToken {
			return nil, errors.New("invalid dev token")
		}
		return &Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "dev"},
			Workspace:        "default",
		}, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("read audience: %w", err)
		}
		found := false
		for _, a := range aud {
			if a == v.audience {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.New("audience mismatch")
		}
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err == nil && iss != "" && iss != v.issuer {
			return nil, errors.New("issuer mismatch")
		}
	}

	return claims, nil
}

// IsDev reports whether this validator runs in shared-dev-token mode.
func (v *Validator) IsDev() bool {
	return v.devToken != ""
}

// ExtractTokenFromProtocols parses the Sec-WebSocket-Protocol header for a
// "jwt.<token>" entry, mirroring the subprotocol-based bearer token
// convention used by browser WebSocket clients (which cannot set
// Authorization headers on the upgrade request).
func ExtractTokenFromProtocols(header string) (string, bool) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "jwt.") {
			token := strings.TrimPrefix(part, "jwt.")
			if token != "" {
				return token, true
			}
		}
	}
	return "", false
}

// FingerprintToken returns a short, non-secret bucketing key derived from a
// token, used to key pooled sessions per caller without persisting the raw
// token anywhere.
func FingerprintToken(token string) string {
	sum := md5.Sum([]byte(token))
	return hex.EncodeToString(sum[:])
}
