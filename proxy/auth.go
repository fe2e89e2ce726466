package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized marks token validation failures. It maps to the wire kind
// "unauthorized" at the session boundary.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator validates a remote session's bearer token and returns the
// authenticated subject.
type Authenticator interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// StaticVerifier validates HS256 tokens against a shared HMAC key handed to
// the proxy at deploy time. No issuer discovery: remote editor frontends and
// their host proxies are provisioned as a pair.
type StaticVerifier struct {
	key    []byte
	issuer string
	leeway time.Duration
}

// VerifierOption configures a StaticVerifier.
type VerifierOption func(*StaticVerifier)

// WithIssuer requires tokens to carry the given issuer claim.
func WithIssuer(iss string) VerifierOption {
	return func(v *StaticVerifier) { v.issuer = iss }
}

// WithLeeway sets clock-skew tolerance. Defaults to 60s.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *StaticVerifier) { v.leeway = d }
}

// NewStaticVerifier creates a verifier for tokens signed with key.
func NewStaticVerifier(key []byte, opts ...VerifierOption) (*StaticVerifier, error) {
	if len(key) == 0 {
		return nil, errors.New("auth key is required")
	}
	v := &StaticVerifier{key: key, leeway: 60 * time.Second}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Verify implements Authenticator.
func (v *StaticVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	parser := jwt.NewParser(parserOpts...)
	parsed, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: unexpected claims shape", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return sub, nil
}
