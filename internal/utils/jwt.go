package utils // package utils provides helper functions for token creation

import (
	"time" // time utilities for generating expirations

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// AccessToken represents a signed JWT access token along with its expiry.
// The Token field contains the JWT string.  Exp stores the expiration
// timestamp as a time.Time.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// Expired reports whether the token expires within skew of now.
func (t AccessToken) Expired(now time.Time, skew time.Duration) bool {
	return t.Token == "" || !now.Add(skew).Before(t.Exp)
}

// NewAccessToken builds and signs an HS256 JWT.  It takes the signing
// secret, the subject (a staff member or a service name), the role and a
// TTL.  The JWT includes the standard claims sub, exp and iat plus role.
// The sync service uses it to authenticate against the backend; tests use
// it to mint tokens for the view API.
func NewAccessToken(secret, subject, role string, ttl time.Duration) (AccessToken, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
