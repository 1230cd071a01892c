package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	enc, err := c.Encrypt("apiVersion: v1\nkind: Config")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "apiVersion: v1\nkind: Config", plain)
}

func TestCipher_PlainPassthrough(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	plain, err := c.Decrypt("kind: Config")
	require.NoError(t, err)
	assert.Equal(t, "kind: Config", plain)
}

func TestNewCipher_BadKey(t *testing.T) {
	_, err := NewCipher("short")
	assert.Error(t, err)
}
