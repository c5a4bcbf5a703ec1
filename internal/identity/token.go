// Package identity supplies the opaque auth token used for both REST calls
// and the transport handshake. The chat core never dials without a credential,
// so token sources here are the single gate: an empty token means "do not
// connect", and a JWT with an elapsed exp claim is treated the same way.
package identity

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired indicates the stored credential is a JWT whose exp claim
// has elapsed. Callers should treat this like a missing token and re-acquire
// credentials rather than dialing.
var ErrTokenExpired = errors.New("identity: token expired")

// Source supplies the current auth token. An empty token with a nil error
// means no credential is available.
type Source interface {
	Token() (string, error)
}

// Static is a fixed token, typically read once at startup.
type Static string

// Token returns the fixed token.
func (s Static) Token() (string, error) { return string(s), nil }

// Env reads the token from the named environment variable on every call, so
// an externally refreshed credential is picked up without a restart.
type Env string

// Token returns the environment variable's current value.
func (e Env) Token() (string, error) { return os.Getenv(string(e)), nil }

// Checked wraps another source and rejects JWTs whose exp claim has elapsed.
// Tokens that are not JWTs pass through untouched — the credential is opaque
// to the chat core, and only a parseable exp claim is acted on.
type Checked struct {
	Source Source
	Leeway time.Duration // tolerated clock skew when judging expiry

	now func() time.Time // test hook
}

// NewChecked wraps src with expiry inspection.
func NewChecked(src Source, leeway time.Duration) *Checked {
	return &Checked{Source: src, Leeway: leeway, now: time.Now}
}

// Token returns the wrapped source's token, or ErrTokenExpired if the token
// is a JWT that has expired.
func (c *Checked) Token() (string, error) {
	tok, err := c.Source.Token()
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	if tok == "" {
		return "", nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		// Not a JWT; pass through as an opaque credential.
		return tok, nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return tok, nil
	}

	now := c.now
	if now == nil { // literal construction without NewChecked
		now = time.Now
	}
	if now().Add(-c.Leeway).After(exp.Time) {
		return "", ErrTokenExpired
	}
	return tok, nil
}
