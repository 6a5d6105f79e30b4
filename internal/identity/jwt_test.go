package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(&config.AuthConfig{
		JWTSecret: testSecret,
		Issuer:    "cryptodo",
		Audience:  "cryptodo-api",
		Leeway:    5 * time.Second,
		TokenTTL:  time.Hour,
	})
	require.NoError(t, err)
	return v
}

func TestIssueAndVerify(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Issue("u1")
	require.NoError(t, err)

	subject, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", subject)
}

func TestVerifyRejects(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()

	other, err := NewJWTVerifier(&config.AuthConfig{
		JWTSecret: strings.Repeat("z", 32),
		Issuer:    "cryptodo",
		Audience:  "cryptodo-api",
	})
	require.NoError(t, err)
	forged, err := other.Issue("u1")
	require.NoError(t, err)

	expired := newTestVerifier(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := expired.Issue("u1")
	require.NoError(t, err)

	wrongAud := newTestVerifier(t)
	wrongAud.audience = "someone-else"
	misdirected, err := wrongAud.Issue("u1")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  "u1",
		Issuer:   "cryptodo",
		Audience: jwt.ClaimStrings{"cryptodo-api"},
	}})
	forever, err := noExp.SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", forged},
		{"expired", stale},
		{"wrong audience", misdirected},
		{"alg none", unsigned},
		{"no expiry", forever},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tt.token)
			assert.ErrorIs(t, err, models.ErrUnauthenticated)
		})
	}
}

func TestNewJWTVerifierShortSecret(t *testing.T) {
	_, err := NewJWTVerifier(&config.AuthConfig{JWTSecret: "short"})
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer   abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}

func TestSubjectFromToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Issue("u1")
	require.NoError(t, err)

	subject, err := SubjectFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", subject)

	_, err = SubjectFromToken("garbage")
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
}
