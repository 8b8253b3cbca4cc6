package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoAccessToken is returned when there is nothing to inspect
var ErrNoAccessToken = errors.New("no access token")

// Identity is what the gateway can tell about its session from the access token
type Identity struct {
	Subject   string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
}

// Expired reports whether the token's exp claim is in the past
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Inspect reads sub, exp and iat from an access token without verifying the
// signature. The gateway never holds the signing key; the remote API remains
// the only judge of validity.
func Inspect(accessToken string) (Identity, error) {
	if accessToken == "" {
		return Identity{}, ErrNoAccessToken
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return Identity{}, fmt.Errorf("failed to parse access token: %w", err)
	}

	id := Identity{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	return id, nil
}
