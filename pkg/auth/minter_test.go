package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinter_MintProducesExpectedClaims(t *testing.T) {
	key := []byte("test-signing-key")
	fixedNow := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)

	m := New(key, 60*time.Second)
	m.now = func() time.Time { return fixedNow }

	tokenString, err := m.Mint()
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	// Validate exp/nbf/iat against the same fixed clock the minter used,
	// not the wall clock.
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithTimeFunc(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	claims, ok := parsed.Claims.(*Claims)
	require.True(t, ok)

	assert.Equal(t, issuer, claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{audience}, claims.Audience)
	assert.Equal(t, subject, claims.Subject)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, fixedNow, claims.IssuedAt.Time, 0)
	assert.WithinDuration(t, fixedNow.Add(60*time.Second), claims.ExpiresAt.Time, 0)
}

func TestMinter_EachTokenHasUniqueJTI(t *testing.T) {
	m := New([]byte("k"), 0)

	first, err := m.Mint()
	require.NoError(t, err)
	second, err := m.Mint()
	require.NoError(t, err)

	claimsOf := func(tok string) *Claims {
		parsed, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte("k"), nil
		})
		require.NoError(t, err)
		return parsed.Claims.(*Claims)
	}

	assert.NotEqual(t, claimsOf(first).ID, claimsOf(second).ID)
}

func TestMinter_DefaultsTTLWhenZero(t *testing.T) {
	m := New([]byte("k"), 0)
	assert.Equal(t, defaultTTL, m.ttl)
}
