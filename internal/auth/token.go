package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("auth: token already expired")
	ErrBadAPIKey    = errors.New("auth: api key rejected")
)

// CheckAPIKey compares a presented trusted-service key in constant time.
// An empty configured key disables the trusted-service surface entirely.
func CheckAPIKey(presented, configured string) error {
	if configured == "" {
		return fmt.Errorf("%w: no key configured", ErrBadAPIKey)
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
		return ErrBadAPIKey
	}
	return nil
}

// InspectExternalToken sanity-checks a token a third-party service wants to
// register. Tokens are opaque to us except when they are JWTs: then a token
// that is already expired is refused up front instead of rotting in the
// pending table. Returns the embedded expiry when one exists, zero otherwise.
//
// The signature is NOT verified; the issuing service holds the key, we only
// broker the user's approval.
func InspectExternalToken(token string, now time.Time) (time.Time, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		// Not a JWT; accept as an opaque token.
		return time.Time{}, nil
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, nil
	}
	if exp.Time.Before(now) {
		return time.Time{}, ErrTokenExpired
	}
	return exp.Time, nil
}
