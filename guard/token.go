package guard

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValid reports whether token is non-empty, decodes as a JWT and
// carries an expiry after now.
//
// The signature is NOT verified. The guard only steers navigation; the
// upstream API must still verify every token it receives.
func TokenValid(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	return ok && exp.After(now)
}

// TokenExpiry decodes token without verifying it and returns its exp
// claim. ok is false for undecodable tokens and tokens without an expiry.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	parsed, err := jwt.ParseString(token, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return time.Time{}, false
	}
	exp := parsed.Expiration()
	if exp.IsZero() {
		return time.Time{}, false
	}
	return exp, true
}
