package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewSessionValidator_RejectsShortSecret(t *testing.T) {
	_, err := NewSessionValidator("short")
	assert.Error(t, err)
}

func TestSessionToken_MintAndValidate(t *testing.T) {
	sv, err := NewSessionValidator(testSecret)
	require.NoError(t, err)

	token, err := sv.Mint("user-1", "session_proj_123", "edit")
	require.NoError(t, err)

	claims, err := sv.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "session_proj_123", claims.SessionID)
	assert.Equal(t, "edit", claims.Role)

	// Lifetime is 24h, give or take clock skew during the test.
	assert.WithinDuration(t, time.Now().Add(SessionTokenLifetime), claims.ExpiresAt.Time, time.Minute)
}

func TestSessionToken_WrongSecretRejected(t *testing.T) {
	sv1, err := NewSessionValidator(testSecret)
	require.NoError(t, err)
	sv2, err := NewSessionValidator("another-secret-that-is-long-enough-xx")
	require.NoError(t, err)

	token, err := sv1.Mint("user-1", "s1", "view")
	require.NoError(t, err)

	_, err = sv2.ValidateToken(token)
	assert.Error(t, err)
}

func TestSessionToken_ExpiredRejected(t *testing.T) {
	sv, err := NewSessionValidator(testSecret)
	require.NoError(t, err)

	// Forge an already-expired token with the right secret.
	claims := Claims{
		SessionID: "s1",
		Role:      "edit",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "collab-hub",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-48 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-24 * time.Hour)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = sv.ValidateToken(expired)
	assert.Error(t, err)
}

func TestSessionToken_RejectsNonHMAC(t *testing.T) {
	sv, err := NewSessionValidator(testSecret)
	require.NoError(t, err)

	// alg=none style token must not pass.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "collab-hub"},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = sv.ValidateToken(token)
	assert.Error(t, err)
}

func TestChainValidator_FallsThrough(t *testing.T) {
	sv, err := NewSessionValidator(testSecret)
	require.NoError(t, err)

	chain := NewChainValidator(sv, &MockValidator{})

	// A hub session token validates through the first link.
	token, err := sv.Mint("user-1", "s1", "view")
	require.NoError(t, err)
	claims, err := chain.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "s1", claims.SessionID)

	// Garbage falls through to the permissive mock.
	claims, err = chain.ValidateToken("not-a-jwt")
	require.NoError(t, err)
	assert.Equal(t, "dev-user-123", claims.Subject)
}

func TestChainValidator_Empty(t *testing.T) {
	chain := NewChainValidator(nil)
	_, err := chain.ValidateToken("anything")
	assert.Error(t, err)
}

func TestRoleOrDefault(t *testing.T) {
	assert.Equal(t, "edit", (&Claims{}).RoleOrDefault())
	assert.Equal(t, "view", (&Claims{Role: "view"}).RoleOrDefault())
}
