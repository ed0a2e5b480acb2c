package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareTokenRoundTrip(t *testing.T) {
	token, hash, err := NewShareToken()
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Len(t, hash, 32)

	assert.True(t, VerifyShareToken(token, hash))
}

func TestShareTokenRejectsWrongToken(t *testing.T) {
	_, hash, err := NewShareToken()
	require.NoError(t, err)

	other, _, err := NewShareToken()
	require.NoError(t, err)

	assert.False(t, VerifyShareToken(other, hash))
	assert.False(t, VerifyShareToken("", hash))
	assert.False(t, VerifyShareToken("not-a-token", hash))
}

func TestShareTokenRejectsEmptyHash(t *testing.T) {
	token, _, err := NewShareToken()
	require.NoError(t, err)

	assert.False(t, VerifyShareToken(token, nil))
	assert.False(t, VerifyShareToken(token, []byte{}))
}

func TestShareTokensAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		token, _, err := NewShareToken()
		require.NoError(t, err)
		assert.False(t, seen[token], "duplicate token generated")
		seen[token] = true
	}
}

func TestRotationInvalidatesPreviousToken(t *testing.T) {
	// Simulates the store's rotate flow: only the most recent hash is kept.
	first, firstHash, err := NewShareToken()
	require.NoError(t, err)
	second, secondHash, err := NewShareToken()
	require.NoError(t, err)

	stored := firstHash
	assert.True(t, VerifyShareToken(first, stored))

	stored = secondHash // rotation overwrites
	assert.False(t, VerifyShareToken(first, stored))
	assert.True(t, VerifyShareToken(second, stored))
}
