package secrets

import (
	"sync"
	"time"

	"github.com/systmms/trustplane/internal/crypto"
)

// cacheEntry holds one encrypted secret value plus its metadata.
type cacheEntry struct {
	encrypted  string
	meta       *Metadata
	insertedAt time.Time
}

// Cache is an in-memory secret cache with a single wholesale TTL: the cache
// carries one lastRefresh timestamp and every entry expires together. This
// trades per-key freshness for a consistent snapshot of the environment tree.
// Values are encrypted at rest with the provided cipher.
type Cache struct {
	mu          sync.Mutex
	ttl         time.Duration
	cipher      *crypto.Cipher
	entries     map[string]cacheEntry
	lastRefresh time.Time

	hits   int64
	misses int64
}

// CacheStats is a point-in-time view of cache state.
type CacheStats struct {
	Entries     int           `json:"entries"`
	LastRefresh time.Time     `json:"last_refresh"`
	TTL         time.Duration `json:"ttl"`
	Valid       bool          `json:"valid"`
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
}

func NewCache(ttl time.Duration, cipher *crypto.Cipher) *Cache {
	return &Cache{
		ttl:     ttl,
		cipher:  cipher,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(environment, key string) string {
	return environment + "/" + key
}

// Get returns the decrypted value when the cache as a whole is still valid
// and the key is present. Access metadata is updated on every hit.
func (c *Cache) Get(environment, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.validLocked() {
		c.misses++
		return "", false
	}
	entry, ok := c.entries[cacheKey(environment, key)]
	if !ok {
		c.misses++
		return "", false
	}

	plaintext, err := c.cipher.DecryptString(entry.encrypted)
	if err != nil {
		c.misses++
		return "", false
	}

	entry.meta.LastAccessed = time.Now().UTC()
	entry.meta.AccessCount++
	c.hits++
	return plaintext, true
}

// Fill replaces an environment's entries with a freshly fetched flat tree.
func (c *Cache) Fill(environment string, values map[string]string) error {
	encrypted := make(map[string]string, len(values))
	for k, v := range values {
		ev, err := c.cipher.EncryptString(v)
		if err != nil {
			return err
		}
		encrypted[k] = ev
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	prefix := environment + "/"
	for ck := range c.entries {
		if len(ck) > len(prefix) && ck[:len(prefix)] == prefix {
			delete(c.entries, ck)
		}
	}
	for k, ev := range encrypted {
		ck := cacheKey(environment, k)
		c.entries[ck] = cacheEntry{
			encrypted:  ev,
			meta:       newMetadata(k),
			insertedAt: now,
		}
	}
	c.lastRefresh = now
	return nil
}

// Invalidate expires the whole cache. Entries stay in memory but are
// unreachable through Get until the next fill.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRefresh = time.Time{}
}

// Metadata returns a copy of the metadata for a cached key.
func (c *Cache) Metadata(environment, key string) (Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(environment, key)]
	if !ok {
		return Metadata{}, false
	}
	return *entry.meta, true
}

// MarkRotated stamps rotation time on a cached key's metadata.
func (c *Cache) MarkRotated(environment, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[cacheKey(environment, key)]; ok {
		entry.meta.LastRotated = time.Now().UTC()
		entry.meta.Status = StatusActive
	}
}

// Valid reports whether the cache is within its TTL window.
func (c *Cache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked()
}

func (c *Cache) validLocked() bool {
	if c.lastRefresh.IsZero() {
		return false
	}
	return time.Since(c.lastRefresh) < c.ttl
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:     len(c.entries),
		LastRefresh: c.lastRefresh,
		TTL:         c.ttl,
		Valid:       c.validLocked(),
		Hits:        c.hits,
		Misses:      c.misses,
	}
}
