package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionTokenLifetime is how long a hub-minted session token stays valid.
const SessionTokenLifetime = 24 * time.Hour

const sessionIssuer = "collab-hub"

// SessionValidator mints and verifies the hub's own session tokens:
// HS256-signed with a shared secret, 24 h lifetime. These are the tokens
// handed out by POST /session/join.
type SessionValidator struct {
	secret []byte
}

// NewSessionValidator returns a validator for hub session tokens. The secret
// must be at least 32 bytes; shorter secrets are rejected at startup.
func NewSessionValidator(secret string) (*SessionValidator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session token secret must be at least 32 characters (got %d)", len(secret))
	}
	return &SessionValidator{secret: []byte(secret)}, nil
}

// Mint issues a session token binding a user to a session id with the given
// role ("view" or "edit").
func (s *SessionValidator) Mint(userID, sessionID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTokenLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a hub session token and returns its claims.
func (s *SessionValidator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithIssuer(sessionIssuer))

	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("session token is invalid")
	}
	return claims, nil
}

// ChainValidator tries each validator in order and returns the first success.
// The hub accepts both identity-provider tokens and its own session tokens on
// the same upgrade path.
type ChainValidator struct {
	validators []interface {
		ValidateToken(string) (*Claims, error)
	}
}

// NewChainValidator builds a chain from the given validators; nils are
// skipped.
func NewChainValidator(vs ...interface {
	ValidateToken(string) (*Claims, error)
}) *ChainValidator {
	chain := &ChainValidator{}
	for _, v := range vs {
		if v != nil {
			chain.validators = append(chain.validators, v)
		}
	}
	return chain
}

// ValidateToken returns the claims from the first validator that accepts the
// token, or the last error when none do.
func (c *ChainValidator) ValidateToken(tokenString string) (*Claims, error) {
	if len(c.validators) == 0 {
		return nil, errors.New("no token validators configured")
	}
	var lastErr error
	for _, v := range c.validators {
		claims, err := v.ValidateToken(tokenString)
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
