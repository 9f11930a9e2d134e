package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

var (
	// ErrInvalidKeySize indicates the master key is not KeySize bytes.
	ErrInvalidKeySize = errors.New("encryption key must be exactly 32 bytes")

	// ErrCiphertextTooShort indicates a ciphertext shorter than the nonce.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Cipher provides authenticated symmetric encryption using AES-256-GCM.
// Values cached by the secrets layer and audit batches written to disk are
// sealed through this type. A Cipher is stateless and safe for concurrent use;
// a fresh random nonce is generated per encryption and prepended to the
// ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates an AES-256-GCM cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns nonce||ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce||ciphertext blob produced by Encrypt.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptString seals a string value and returns it base64-encoded.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	blob, err := c.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString opens a base64-encoded blob produced by EncryptString.
func (c *Cipher) DecryptString(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	plaintext, err := c.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
