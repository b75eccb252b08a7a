// Package auth verifies bearer credentials on the HTTP surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coachpo/gestion360/errs"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Email   string
}

// Authenticator turns a bearer token into a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// ErrUnauthorized is matched by every authentication failure.
var ErrUnauthorized = errs.New("auth", errs.CodeUnauthorized)

// JWTConfig configures HS256 token verification.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTAuthenticator verifies HS256-signed tokens with a shared secret.
type JWTAuthenticator struct {
	secret []byte
	cfg    JWTConfig
	clock  func() time.Time
}

type tokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTAuthenticator validates cfg and returns an authenticator.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, fmt.Errorf("auth: jwt secret required")
	}
	return &JWTAuthenticator{secret: []byte(secret), cfg: cfg, clock: time.Now}, nil
}

// Authenticate parses and verifies token. The subject claim is mandatory.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (Principal, error) {
	if strings.TrimSpace(token) == "" {
		return Principal{}, unauthorized("missing bearer token", nil)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	if a.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(a.cfg.Leeway))
	}

	var claims tokenClaims
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Principal{}, unauthorized("token expired", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Principal{}, unauthorized("token signature invalid", err)
		default:
			return Principal{}, unauthorized("token rejected", err)
		}
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, unauthorized("token subject missing", nil)
	}
	return Principal{Subject: claims.Subject, Email: claims.Email}, nil
}

// Issue signs a token for subject. It backs local tooling and tests.
func (a *JWTAuthenticator) Issue(subject, email string, ttl time.Duration) (string, error) {
	now := a.clock()
	claims := tokenClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// AllowAll accepts every request. It is only wired when no secret is configured outside production.
type AllowAll struct{}

// Authenticate returns an anonymous principal.
func (AllowAll) Authenticate(context.Context, string) (Principal, error) {
	return Principal{Subject: "anonymous"}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func unauthorized(message string, cause error) error {
	opts := []errs.Option{errs.WithMessage(message)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("auth", errs.CodeUnauthorized, opts...)
}
