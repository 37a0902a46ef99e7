package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Minute, time.Hour)

	signed, err := issuer.Issue("alice", "submit", TokenAccess, true, map[string]any{"purpose": "delete-account"})
	require.NoError(t, err)

	claims, err := issuer.Validate(signed, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "submit", claims.Role)
	assert.True(t, claims.Fresh)
	assert.Equal(t, "delete-account", claims.AdditionalClaims["purpose"])
}

func TestTokenTypeMismatchRejected(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Minute, time.Hour)

	refresh, err := issuer.Issue("alice", "read", TokenRefresh, false, nil)
	require.NoError(t, err)

	_, err = issuer.Validate(refresh, TokenAccess)
	assert.Error(t, err)
}

func TestTokenWrongSecretRejected(t *testing.T) {
	issuer := NewTokenIssuer("secret-a", time.Minute, time.Hour)
	other := NewTokenIssuer("secret-b", time.Minute, time.Hour)

	signed, err := issuer.Issue("alice", "read", TokenAccess, false, nil)
	require.NoError(t, err)

	_, err = other.Validate(signed, TokenAccess)
	assert.Error(t, err)
}

func TestTokenExpiryEnforced(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", -time.Minute, time.Hour)

	signed, err := issuer.Issue("alice", "read", TokenAccess, false, nil)
	require.NoError(t, err)

	_, err = issuer.Validate(signed, TokenAccess)
	assert.Error(t, err)
}

func TestRuleMatching(t *testing.T) {
	cases := []struct {
		rule     Rule
		action   string
		resource string
		want     bool
	}{
		{Rule{Action: "*", Resource: "*"}, "POST", "records", true},
		{Rule{Action: "GET", Resource: "*"}, "GET", "datasets", true},
		{Rule{Action: "GET", Resource: "*"}, "POST", "datasets", false},
		{Rule{Action: "POST", Resource: "tasks"}, "POST", "tasks", true},
		{Rule{Action: "POST", Resource: "tasks"}, "POST", "records", false},
		{Rule{Action: "get", Resource: "Datasets"}, "GET", "datasets", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.rule.Matches(c.action, c.resource),
			"rule %+v vs (%s, %s)", c.rule, c.action, c.resource)
	}
}
