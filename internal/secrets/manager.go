// Package secrets implements the encrypted secret cache and the
// read/write path against the remote environment store. All access and
// mutation is audited; secret values never reach the logs.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/trustplane/internal/audit"
	"github.com/systmms/trustplane/internal/backend"
	"github.com/systmms/trustplane/internal/logging"
)

// Health is the result of a manager health probe.
type Health struct {
	Healthy        bool      `json:"healthy"`
	BackendError   string    `json:"backend_error,omitempty"`
	CacheEntries   int       `json:"cache_entries"`
	CacheValid     bool      `json:"cache_valid"`
	LastAuditEvent time.Time `json:"last_audit_event,omitempty"`
}

// Manager coordinates the remote backend, the encrypted cache and the audit
// trail. It is safe for concurrent use.
type Manager struct {
	backend *backend.Client
	cache   *Cache
	audit   *audit.Logger
	log     *logging.Logger

	// writeMu serializes whole-tree writes within this process. It does
	// not protect against concurrent writers in other processes; see
	// SetSecret.
	writeMu sync.Mutex
}

func NewManager(client *backend.Client, cache *Cache, auditLogger *audit.Logger, log *logging.Logger) *Manager {
	return &Manager{
		backend: client,
		cache:   cache,
		audit:   auditLogger,
		log:     log.WithComponent("secrets"),
	}
}

// GetEnvironmentConfig fetches the full value tree for an environment.
// Network and HTTP failures are absorbed: the caller gets an empty map and a
// warning is logged, leaving the fallback decision to the caller.
func (m *Manager) GetEnvironmentConfig(ctx context.Context, environment string) map[string]interface{} {
	tree, err := m.SyncEnvironment(ctx, environment)
	if err != nil {
		return map[string]interface{}{}
	}
	return tree
}

// SyncEnvironment fetches the environment tree and reports the failure to
// callers that implement their own fallback, such as the config loader.
func (m *Manager) SyncEnvironment(ctx context.Context, environment string) (map[string]interface{}, error) {
	tree, err := m.backend.GetEnvironment(ctx, environment)
	if err != nil {
		if errors.Is(err, backend.ErrEnvironmentNotFound) {
			m.log.Warn("environment %q not found in remote backend", environment)
		} else {
			m.log.Warn("fetching environment %q: %v", environment, err)
		}
		m.auditEvent(audit.ActionBackendSync, environment, false, err.Error())
		return nil, err
	}
	m.auditEvent(audit.ActionBackendSync, environment, true, "")
	return tree, nil
}

// GetSecret resolves a secret by dot-path. With useCache it serves from the
// encrypted cache while the cache is within its TTL; otherwise it fetches
// the environment tree, refills the cache and extracts the key. Absent keys
// return ("", false), never an error.
func (m *Manager) GetSecret(ctx context.Context, key, environment string, useCache bool) (string, bool) {
	start := time.Now()

	if useCache {
		if value, ok := m.cache.Get(environment, key); ok {
			m.auditAccess(key, environment, true, start)
			return value, true
		}
	}

	tree, err := m.backend.GetEnvironment(ctx, environment)
	if err != nil {
		m.log.Warn("secret fetch for %q failed: %v", key, err)
		m.auditAccess(key, environment, false, start)
		return "", false
	}

	if err := m.cache.Fill(environment, flattenTree(tree, "")); err != nil {
		m.log.Warn("caching environment %q: %v", environment, err)
	}

	raw, ok := lookupPath(tree, key)
	if !ok {
		m.auditAccess(key, environment, false, start)
		return "", false
	}
	value := fmt.Sprintf("%v", raw)
	m.auditAccess(key, environment, true, start)
	return value, true
}

// SetSecret writes a value by dot-path. The backend only supports replacing
// an environment's entire tree, so this is a read-modify-write: concurrent
// writers racing on different keys in the same environment can clobber each
// other (last writer wins at tree granularity). writeMu removes that race
// within a single process only.
func (m *Manager) SetSecret(ctx context.Context, key, value, environment string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tree, err := m.backend.GetEnvironment(ctx, environment)
	if err != nil {
		if !errors.Is(err, backend.ErrEnvironmentNotFound) {
			m.auditEvent(audit.ActionSecretUpdate, key, false, err.Error())
			return fmt.Errorf("failed to read environment %q: %w", environment, err)
		}
		tree = map[string]interface{}{}
	}

	setPath(tree, key, value)

	if err := m.backend.PutEnvironment(ctx, environment, tree); err != nil {
		m.auditEvent(audit.ActionSecretUpdate, key, false, err.Error())
		return fmt.Errorf("failed to write environment %q: %w", environment, err)
	}

	// The remote tree changed; the cached snapshot is no longer consistent.
	m.cache.Invalidate()
	m.auditEvent(audit.ActionSecretUpdate, key, true, "")
	return nil
}

// RotateSecret writes a placeholder rotated value into a "<key>_new" slot.
// The rotation orchestrator supersedes this with validated, reversible
// rotation; this remains for callers that stage a value manually.
func (m *Manager) RotateSecret(ctx context.Context, key, environment string) error {
	placeholder := uuid.NewString()
	if err := m.SetSecret(ctx, key+"_new", placeholder, environment); err != nil {
		m.auditEvent(audit.ActionSecretRotation, key, false, err.Error())
		return err
	}
	m.cache.MarkRotated(environment, key)
	m.auditEvent(audit.ActionSecretRotation, key, true, "")
	return nil
}

// BulkGetSecrets resolves several keys with at most one remote fetch: cache
// hits are served first, then a single environment fetch covers the misses.
// Keys absent from both are omitted from the result.
func (m *Manager) BulkGetSecrets(ctx context.Context, keys []string, environment string) map[string]string {
	out := make(map[string]string, len(keys))
	var misses []string
	for _, key := range keys {
		if value, ok := m.cache.Get(environment, key); ok {
			out[key] = value
			continue
		}
		misses = append(misses, key)
	}
	if len(misses) == 0 {
		return out
	}

	tree, err := m.backend.GetEnvironment(ctx, environment)
	if err != nil {
		m.log.Warn("bulk secret fetch failed: %v", err)
		m.auditEvent(audit.ActionSecretAccess, environment, false, err.Error())
		return out
	}
	if err := m.cache.Fill(environment, flattenTree(tree, "")); err != nil {
		m.log.Warn("caching environment %q: %v", environment, err)
	}

	start := time.Now()
	for _, key := range misses {
		raw, ok := lookupPath(tree, key)
		if !ok {
			m.auditAccess(key, environment, false, start)
			continue
		}
		out[key] = fmt.Sprintf("%v", raw)
		m.auditAccess(key, environment, true, start)
	}
	return out
}

// HealthCheck probes the backend's identity endpoint and reports cache and
// audit freshness.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	h := Health{Healthy: true}
	if err := m.backend.Health(ctx); err != nil {
		h.Healthy = false
		h.BackendError = err.Error()
	}

	stats := m.cache.Stats()
	h.CacheEntries = stats.Entries
	h.CacheValid = stats.Valid
	if m.audit != nil {
		h.LastAuditEvent = m.audit.LastEventTime()
	}

	m.auditEvent(audit.ActionHealthCheck, "backend", h.Healthy, h.BackendError)
	return h
}

// Metadata exposes lifecycle metadata for a cached secret.
func (m *Manager) Metadata(environment, key string) (Metadata, bool) {
	return m.cache.Metadata(environment, key)
}

// Cache exposes the underlying cache for status reporting.
func (m *Manager) Cache() *Cache {
	return m.cache
}

func (m *Manager) auditAccess(key, environment string, success bool, start time.Time) {
	if m.audit == nil {
		return
	}
	if err := m.audit.LogSecretAccess(key, environment, success, time.Since(start).Milliseconds()); err != nil {
		m.log.Debug("audit write failed: %v", err)
	}
}

func (m *Manager) auditEvent(action audit.Action, resource string, success bool, errDetails string) {
	if m.audit == nil {
		return
	}
	level := audit.LevelInfo
	if !success {
		level = audit.LevelWarning
	}
	err := m.audit.LogEvent(level, action, resource, string(action), audit.Context{}, nil, success, errDetails, 0)
	if err != nil {
		m.log.Debug("audit write failed: %v", err)
	}
}
