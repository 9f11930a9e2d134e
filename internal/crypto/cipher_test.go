package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	copy(key, "0123456789abcdef0123456789abcdef")
	return key
}

func TestNewCipherRejectsBadKeySize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 16, 31, 33, 64} {
		_, err := NewCipher(make([]byte, size))
		assert.ErrorIs(t, err, ErrInvalidKeySize, "size %d", size)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey())
	require.NoError(t, err)

	for _, plaintext := range []string{"", "x", "Sup3rSecret!", "a much longer value with spaces and unicode: héllo"} {
		encrypted, err := c.EncryptString(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, encrypted)

		decrypted, err := c.DecryptString(encrypted)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey())
	require.NoError(t, err)

	a, err := c.EncryptString("same value")
	require.NoError(t, err)
	b, err := c.EncryptString("same value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonces must yield distinct ciphertexts")
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey())
	require.NoError(t, err)

	blob, err := c.Encrypt([]byte("attack at dawn"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff
	_, err = c.Decrypt(blob)
	assert.Error(t, err)
}

func TestDecryptRejectsShortInput(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey())
	require.NoError(t, err)

	_, err = c.Decrypt([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	t.Parallel()

	a, err := NewCipher(testKey())
	require.NoError(t, err)

	otherKey := testKey()
	otherKey[0] ^= 0xff
	b, err := NewCipher(otherKey)
	require.NoError(t, err)

	encrypted, err := a.EncryptString("secret")
	require.NoError(t, err)
	_, err = b.DecryptString(encrypted)
	assert.Error(t, err)
}
