package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestBearerTokenFromString(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "ok", raw: "Bearer header.payload.signature", want: "header.payload.signature"},
		{name: "padded", raw: "  Bearer a.b.c  ", want: "a.b.c"},
		{name: "empty", raw: "   ", wantErr: errMissingAuthorization},
		{name: "scheme", raw: "Basic a.b.c", wantErr: errBadAuthorization},
		{name: "prefixOnly", raw: "Bearer ", wantErr: errBadAuthorization},
		{name: "manyPeriods", raw: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bearerTokenFromString(tt.raw)
			if err != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewTestAuth(secret)
	auth.Audience = "api://aud"
	auth.Issuer = "https://issuer/"

	token := signHS256(t, secret, jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	})
	userID, err := auth.UserIDFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromBearerRejects(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewTestAuth(secret)
	auth.Audience = "api://aud"
	exp := time.Now().Add(5 * time.Minute).Unix()

	cases := map[string]string{
		"expired":     signHS256(t, secret, jwt.MapClaims{"sub": "u", "aud": "api://aud", "exp": time.Now().Add(-time.Hour).Unix()}),
		"wrongSecret": signHS256(t, []byte("other"), jwt.MapClaims{"sub": "u", "aud": "api://aud", "exp": exp}),
		"wrongAud":    signHS256(t, secret, jwt.MapClaims{"sub": "u", "aud": "api://other", "exp": exp}),
		"missingSub":  signHS256(t, secret, jwt.MapClaims{"aud": "api://aud", "exp": exp}),
		"notAJWT":     "a.b.c",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.UserIDFromBearer(token); err == nil {
				t.Fatalf("expected %s token to be rejected", name)
			}
		})
	}
}

func TestKeyForTokenWithoutJWKS(t *testing.T) {
	auth := NewAuth(nil, "aud", "iss", 0)
	if auth.keyCacheTTL != defaultJWKSCacheTTL {
		t.Fatalf("expected default cache ttl, got %v", auth.keyCacheTTL)
	}
	if _, err := auth.keyForToken(&jwt.Token{Header: map[string]any{"kid": "k"}}); err == nil {
		t.Fatalf("expected error without jwks")
	}
}
