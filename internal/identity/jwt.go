package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

// MinSecretSize is the shortest HS256 secret accepted.
const MinSecretSize = 32

// Verifier resolves a bearer credential to a subject id.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// Claims are the token claims cryptodo reads. Subject carries the subject id.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 bearer tokens.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	ttl      time.Duration
	now      func() time.Time
}

// NewJWTVerifier creates a verifier from auth configuration.
func NewJWTVerifier(cfg *config.AuthConfig) (*JWTVerifier, error) {
	if len(cfg.JWTSecret) < MinSecretSize {
		return nil, fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinSecretSize)
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &JWTVerifier{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   cfg.Leeway,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Verify checks signature, expiry, issuer and audience and returns the
// token subject. Every failure is ErrUnauthenticated.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", fmt.Errorf("%w: missing bearer token", models.ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %s", models.ErrUnauthenticated, reason(err))
	}

	if err := models.ValidateSubject(claims.Subject); err != nil {
		return "", fmt.Errorf("%w: token subject is invalid", models.ErrUnauthenticated)
	}

	return claims.Subject, nil
}

// Issue mints a token for subject. Used by tests and the dev CLI.
func (v *JWTVerifier) Issue(subject string) (string, error) {
	if err := models.ValidateSubject(subject); err != nil {
		return "", err
	}

	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// reason keeps token parse failures short. The detailed jwt error can echo
// claim values back to the caller.
func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not valid yet"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "token not issued for this service"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	default:
		return "invalid token"
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// SubjectFromToken reads the subject from a token without verifying it.
// Clients use it to learn which subject their records are bound to; the
// server always verifies.
func SubjectFromToken(token string) (string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("%w: malformed token", models.ErrUnauthenticated)
	}
	if err := models.ValidateSubject(claims.Subject); err != nil {
		return "", fmt.Errorf("%w: token has no usable subject", models.ErrUnauthenticated)
	}
	return claims.Subject, nil
}
