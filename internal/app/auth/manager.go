package auth

import (
	"context"

	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

// TokenPair is the response shape of every credential flow.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Manager ties the user store and token issuer into the four credential
// flows exposed under /v1.
type Manager struct {
	users  *UserStore
	issuer *TokenIssuer
	log    *logger.Logger
}

// NewManager wires the credential flows.
func NewManager(users *UserStore, issuer *TokenIssuer, log *logger.Logger) *Manager {
	return &Manager{users: users, issuer: issuer, log: log.With("auth")}
}

// Register creates a user and logs the event; it does not auto-login.
func (m *Manager) Register(ctx context.Context, username, password, role string) (User, error) {
	user, err := m.users.Register(ctx, username, password, role)
	if err != nil {
		return User{}, err
	}
	m.log.WithField("username", user.Username).Info("user registered")
	return user, nil
}

// Login exchanges credentials for a fresh access/refresh token pair.
func (m *Manager) Login(ctx context.Context, username, password string) (TokenPair, error) {
	user, err := m.users.Authenticate(ctx, username, password)
	if err != nil {
		return TokenPair{}, err
	}
	return m.issuePair(user, true, nil)
}

// Refresh mints a new access token from a valid refresh token. The refresh
// token itself is re-issued so clients can rotate; the new access token is
// not fresh.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := m.issuer.Validate(refreshToken, TokenRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	user, err := m.users.Get(ctx, claims.Username)
	if apperrors.Is(err, apperrors.CodeMissingData) {
		return TokenPair{}, apperrors.AuthenticationFailure("user no longer exists")
	}
	if err != nil {
		return TokenPair{}, err
	}
	return m.issuePair(user, false, nil)
}

// FreshLogin re-verifies the password for an already-authenticated user and
// returns a fresh access token carrying the caller-supplied additional
// claims, for endpoints that demand recent credential proof.
func (m *Manager) FreshLogin(ctx context.Context, username, password string, additionalClaims map[string]any) (TokenPair, error) {
	user, err := m.users.Authenticate(ctx, username, password)
	if err != nil {
		return TokenPair{}, err
	}
	return m.issuePair(user, true, additionalClaims)
}

// ValidateAccess checks a bearer token and returns its claims.
func (m *Manager) ValidateAccess(tokenString string) (*Claims, error) {
	return m.issuer.Validate(tokenString, TokenAccess)
}

func (m *Manager) issuePair(user User, fresh bool, additional map[string]any) (TokenPair, error) {
	access, err := m.issuer.Issue(user.Username, user.Role, TokenAccess, fresh, additional)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.issuer.Issue(user.Username, user.Role, TokenRefresh, false, nil)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
