// Package auth establishes the caller's identity for an inbound connection
// request. Identities are issued elsewhere; this package only verifies
// signed bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie consulted when no header or query token is sent.
const CookieName = "huddle_token"

// ErrUnauthenticated is returned for any request without a valid identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the identity behind a connection request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Func adapts a plain function to Authenticator.
type Func func(r *http.Request) (string, error)

// Authenticate calls f(r).
func (f Func) Authenticate(r *http.Request) (string, error) { return f(r) }

// TokenFromRequest returns the bearer token carried by r, looking at the
// Authorization header, then the token query parameter, then the cookie.
// Browsers cannot set headers on websocket handshakes, hence the fallbacks.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if tok = strings.TrimSpace(tok); tok != "" {
				return tok
			}
		}
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// JWT verifies HS256 tokens whose subject is the identity.
type JWT struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWT returns a verifier for secret. An empty issuer disables the
// issuer check.
func NewJWT(secret, issuer string) (*JWT, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWT{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Authenticate implements Authenticator.
func (a *JWT) Authenticate(r *http.Request) (string, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	return a.Verify(raw)
}

// Verify parses raw and returns its subject.
func (a *JWT) Verify(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	identity := strings.TrimSpace(claims.Subject)
	if identity == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return identity, nil
}

// Issue mints a token for identity valid for ttl. Used by the operator CLI
// and tests; production tokens come from the login provider.
func (a *JWT) Issue(identity string, ttl time.Duration) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("identity is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
