package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("Pw12345!", 4)
	require.NoError(t, err)
	assert.True(t, VerifyPassword("Pw12345!", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestHashPasswordSalted(t *testing.T) {
	first, err := HashPassword("Pw12345!", 4)
	require.NoError(t, err)
	second, err := HashPassword("Pw12345!", 4)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestHashPasswordInvalidCostFallsBack(t *testing.T) {
	hash, err := HashPassword("Pw12345!", 99)
	require.NoError(t, err)
	assert.True(t, VerifyPassword("Pw12345!", hash))
}

func TestHashTokenDeterministic(t *testing.T) {
	digest := HashToken("secret-value")
	assert.Equal(t, digest, HashToken("secret-value"))
	assert.NotEqual(t, digest, HashToken("other-value"))
	assert.Len(t, digest, 64)
	assert.NotContains(t, digest, "secret-value")
}

func TestDigestEqual(t *testing.T) {
	a := HashToken("a")
	assert.True(t, DigestEqual(a, HashToken("a")))
	assert.False(t, DigestEqual(a, HashToken("b")))
}

func TestGenerateSecret(t *testing.T) {
	first, err := GenerateSecret(RefreshSecretLength)
	require.NoError(t, err)
	second, err := GenerateSecret(RefreshSecretLength)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.NotEmpty(t, first)

	short, err := GenerateSecret(ResetSecretLength)
	require.NoError(t, err)
	assert.Less(t, len(short), len(first))
}
