package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/hkdf"

	"github.com/systmms/trustplane/internal/logging"
)

const (
	// MasterKeyEnv is the environment variable holding a base64 master key.
	MasterKeyEnv = "TRUSTPLANE_MASTER_KEY"

	keyringService = "trustplane"
	keyringUser    = "master-key"

	auditKeyInfo = "trustplane-audit-checksum-v1"
)

// MasterKey holds the process-wide encryption key inside a memguard enclave
// so the raw bytes are encrypted at rest in memory and protected from
// swapping. Open the enclave only for the short window a key operation needs.
type MasterKey struct {
	enclave   *memguard.Enclave
	ephemeral bool
}

// ResolveMasterKey resolves the master key in order of preference:
// an explicit key passed by the caller, the TRUSTPLANE_MASTER_KEY environment
// variable (base64), the OS keyring, and finally a freshly generated ephemeral
// key. An ephemeral key must not be relied on across process restarts when
// encrypted data has to be persisted; callers can check Ephemeral().
func ResolveMasterKey(explicit []byte, logger *logging.Logger) (*MasterKey, error) {
	if len(explicit) > 0 {
		if len(explicit) != KeySize {
			return nil, ErrInvalidKeySize
		}
		return &MasterKey{enclave: memguard.NewEnclave(explicit)}, nil
	}

	if encoded := os.Getenv(MasterKeyEnv); encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", MasterKeyEnv, err)
		}
		if len(key) != KeySize {
			return nil, ErrInvalidKeySize
		}
		logger.Debug("Master key loaded from environment")
		return &MasterKey{enclave: memguard.NewEnclave(key)}, nil
	}

	if encoded, err := keyring.Get(keyringService, keyringUser); err == nil {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err == nil && len(key) == KeySize {
			logger.Debug("Master key loaded from OS keyring")
			return &MasterKey{enclave: memguard.NewEnclave(key)}, nil
		}
		logger.Warn("OS keyring holds an invalid master key, ignoring it")
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	// Best effort: persist the generated key so restarts can decrypt old data.
	if err := keyring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(key)); err == nil {
		logger.Info("Generated master key and stored it in the OS keyring")
		return &MasterKey{enclave: memguard.NewEnclave(key)}, nil
	}

	logger.Warn("Generated an ephemeral master key; encrypted data will not survive a restart")
	return &MasterKey{enclave: memguard.NewEnclave(key), ephemeral: true}, nil
}

// Ephemeral reports whether the key was generated for this process only.
func (k *MasterKey) Ephemeral() bool {
	return k.ephemeral
}

// NewCipher opens the enclave and builds a Cipher from the key material.
// The plaintext key is wiped as soon as the cipher is constructed.
func (k *MasterKey) NewCipher() (*Cipher, error) {
	locked, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer locked.Destroy()

	return NewCipher(locked.Bytes())
}

// DeriveAuditKey derives a dedicated 32-byte HMAC key for audit event
// checksums using HKDF-SHA256, keeping signing and encryption key usage
// separated.
func (k *MasterKey) DeriveAuditKey() ([]byte, error) {
	locked, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer locked.Destroy()

	kdf := hkdf.New(sha256.New, locked.Bytes(), nil, []byte(auditKeyInfo))
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("failed to derive audit key: %w", err)
	}
	return derived, nil
}
