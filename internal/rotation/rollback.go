package rotation

import (
	"errors"
	"sync"
	"time"

	"github.com/systmms/trustplane/internal/crypto"
)

var (
	// ErrRollbackUnavailable means no stored prior value exists for the
	// rotation, either because it never completed or the store was swept.
	ErrRollbackUnavailable = errors.New("no rollback value available for rotation")

	// ErrRollbackExpired means the rollback window has closed.
	ErrRollbackExpired = errors.New("rollback window expired")
)

// rollbackEntry holds the encrypted prior value of one completed rotation.
type rollbackEntry struct {
	encrypted   string
	secretKey   string
	environment string
	expiresAt   time.Time
}

// rollbackStore keeps prior secret values, encrypted at rest and time-boxed.
// Entries outlive their window only until the next sweep; reading an expired
// entry fails either way.
type rollbackStore struct {
	mu      sync.Mutex
	cipher  *crypto.Cipher
	entries map[string]rollbackEntry
}

func newRollbackStore(cipher *crypto.Cipher) *rollbackStore {
	return &rollbackStore{
		cipher:  cipher,
		entries: make(map[string]rollbackEntry),
	}
}

func (s *rollbackStore) put(rotationID, secretKey, environment, value string, window time.Duration) error {
	encrypted, err := s.cipher.EncryptString(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[rotationID] = rollbackEntry{
		encrypted:   encrypted,
		secretKey:   secretKey,
		environment: environment,
		expiresAt:   time.Now().UTC().Add(window),
	}
	return nil
}

// take removes and decrypts the entry for a rotation. The entry is removed
// even when expired, so a failed rollback cannot be retried later.
func (s *rollbackStore) take(rotationID string) (value, secretKey, environment string, err error) {
	s.mu.Lock()
	entry, ok := s.entries[rotationID]
	if ok {
		delete(s.entries, rotationID)
	}
	s.mu.Unlock()

	if !ok {
		return "", "", "", ErrRollbackUnavailable
	}
	if time.Now().UTC().After(entry.expiresAt) {
		return "", "", "", ErrRollbackExpired
	}

	value, err = s.cipher.DecryptString(entry.encrypted)
	if err != nil {
		return "", "", "", err
	}
	return value, entry.secretKey, entry.environment, nil
}

// sweep drops expired entries and reports how many were removed.
func (s *rollbackStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

func (s *rollbackStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
