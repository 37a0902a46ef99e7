// Package auth implements credential flows (register, login, refresh,
// fresh-login), bearer token issuance, and the (principal, action, resource)
// policy evaluator backing the /v1 surface.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
)

// TokenType distinguishes access from refresh tokens so a refresh token can
// never be presented as a bearer credential on a data endpoint.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the JWT payload carried by both token types. AdditionalClaims
// is populated only by the fresh-login flow (the field is deliberately
// named additional_claims).
type Claims struct {
	Username         string         `json:"username"`
	Role             string         `json:"role"`
	Type             TokenType      `json:"type"`
	Fresh            bool           `json:"fresh,omitempty"`
	AdditionalClaims map[string]any `json:"additional_claims,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates the server's HS256 bearer tokens.
type TokenIssuer struct {
	secret        []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

// NewTokenIssuer builds an issuer from the configured secret and expiries.
func NewTokenIssuer(secret string, accessExpiry, refreshExpiry time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:        []byte(secret),
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
	}
}

// Issue signs a token of the given type for the user. fresh marks tokens
// minted by a direct credential exchange (login, fresh-login) as opposed to
// a refresh.
func (i *TokenIssuer) Issue(username, role string, tokenType TokenType, fresh bool, additional map[string]any) (string, error) {
	expiry := i.accessExpiry
	if tokenType == TokenRefresh {
		expiry = i.refreshExpiry
	}
	now := time.Now().UTC()
	claims := Claims{
		Username:         username,
		Role:             role,
		Type:             tokenType,
		Fresh:            fresh,
		AdditionalClaims: additional,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", apperrors.Internal("sign token", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string, requiring the expected type.
func (i *TokenIssuer) Validate(tokenString string, expected TokenType) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(tokenString), claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.AuthenticationFailure("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperrors.AuthenticationFailure("invalid or expired token")
	}
	if claims.Type != expected {
		return nil, apperrors.AuthenticationFailure("wrong token type")
	}
	return claims, nil
}
