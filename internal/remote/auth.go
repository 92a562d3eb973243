package remote

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenMinter mints short-lived HS256 bearer tokens for calls to the
// external catalog, draft-sync and submission services. A zero minter
// (empty secret) leaves requests unauthenticated.
type TokenMinter struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

func (m TokenMinter) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Mint returns a signed token with the given subject, or "" when no
// secret is configured.
func (m TokenMinter) Mint(subject string) (string, error) {
	if m.Secret == "" {
		return "", nil
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := m.now()
	claims := jwt.RegisteredClaims{
		Issuer:    m.Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.Secret))
}

// Authorize attaches a bearer token to req if a secret is configured.
func (m TokenMinter) Authorize(req *http.Request, subject string) error {
	token, err := m.Mint(subject)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}
