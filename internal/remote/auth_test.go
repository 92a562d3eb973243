package remote_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"permitline/internal/remote"
)

func TestMintAndVerify(t *testing.T) {
	m := remote.TokenMinter{
		Secret: "test-secret",
		Issuer: "permitline",
		TTL:    time.Minute,
		Now:    func() time.Time { return time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC) },
	}
	signed, err := m.Mint("draft-sync")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, func(tk *jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return time.Date(2024, 6, 1, 8, 0, 30, 0, time.UTC) }))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	if claims.Subject != "draft-sync" || claims.Issuer != "permitline" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestEmptySecretLeavesRequestBare(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPut, "http://example.invalid/draft/x", nil)
	if err := (remote.TokenMinter{}).Authorize(req, "draft-sync"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("expected no authorization header")
	}
}
