package secrets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/trustplane/internal/audit"
	"github.com/systmms/trustplane/internal/backend"
	"github.com/systmms/trustplane/internal/crypto"
	"github.com/systmms/trustplane/internal/logging"
)

// fakeBackend is an httptest server speaking the environment store protocol,
// with counters so tests can assert on network traffic.
type fakeBackend struct {
	srv *httptest.Server

	mu     sync.Mutex
	trees  map[string]map[string]interface{}
	gets   int
	puts   int
	broken bool
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{trees: map[string]map[string]interface{}{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/user", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		broken := fb.broken
		fb.mu.Unlock()
		if broken {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/environments/testorg/", func(w http.ResponseWriter, r *http.Request) {
		env := r.URL.Path[len("/api/environments/testorg/"):]
		fb.mu.Lock()
		defer fb.mu.Unlock()
		if fb.broken {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.Method {
		case http.MethodGet:
			fb.gets++
			tree, ok := fb.trees[env]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"values": tree})
		case http.MethodPut:
			fb.puts++
			body, _ := io.ReadAll(r.Body)
			var payload struct {
				Values map[string]interface{} `json:"values"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			fb.trees[env] = payload.Values
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) setTree(env string, tree map[string]interface{}) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.trees[env] = tree
}

func (fb *fakeBackend) getCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.gets
}

func (fb *fakeBackend) setBroken(broken bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.broken = broken
}

func newTestManager(t *testing.T, fb *fakeBackend, ttl time.Duration) (*Manager, *audit.MemorySink) {
	t.Helper()

	log := logging.NewWithOutput(false, io.Discard)
	client, err := backend.New(backend.Config{
		BaseURL:      fb.srv.URL,
		Organization: "testorg",
		Token:        "test-token",
	}, log)
	require.NoError(t, err)

	key := make([]byte, crypto.KeySize)
	copy(key, "0123456789abcdef0123456789abcdef")
	cipher, err := crypto.NewCipher(key)
	require.NoError(t, err)

	sink := audit.NewMemorySink()
	auditLogger := audit.NewLogger(audit.Config{BufferSize: 1}, []audit.Sink{sink}, log)

	return NewManager(client, NewCache(ttl, cipher), auditLogger, log), sink
}

func TestGetSecretFetchesAndCaches(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	fb.setTree("production", map[string]interface{}{
		"database": map[string]interface{}{"primary": "postgres://db:5432"},
	})
	m, _ := newTestManager(t, fb, time.Minute)

	value, ok := m.GetSecret(context.Background(), "database.primary", "production", true)
	require.True(t, ok)
	assert.Equal(t, "postgres://db:5432", value)
	assert.Equal(t, 1, fb.getCount())

	// Second read inside the TTL must be served from cache.
	value, ok = m.GetSecret(context.Background(), "database.primary", "production", true)
	require.True(t, ok)
	assert.Equal(t, "postgres://db:5432", value)
	assert.Equal(t, 1, fb.getCount(), "cache hit must not touch the network")
}

func TestGetSecretExpiredCacheRefetches(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	fb.setTree("production", map[string]interface{}{"api": map[string]interface{}{"token": "tok-1"}})
	m, _ := newTestManager(t, fb, 20*time.Millisecond)

	_, ok := m.GetSecret(context.Background(), "api.token", "production", true)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	fb.setTree("production", map[string]interface{}{"api": map[string]interface{}{"token": "tok-2"}})
	value, ok := m.GetSecret(context.Background(), "api.token", "production", true)
	require.True(t, ok)
	assert.Equal(t, "tok-2", value, "an expired cache must trigger a re-fetch")
	assert.Equal(t, 2, fb.getCount())
}

func TestGetSecretAbsentKey(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	fb.setTree("production", map[string]interface{}{"a": "b"})
	m, _ := newTestManager(t, fb, time.Minute)

	_, ok := m.GetSecret(context.Background(), "does.not.exist", "production", true)
	assert.False(t, ok)
}

func TestGetSecretBackendDown(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	fb.setBroken(true)
	m, _ := newTestManager(t, fb, time.Minute)

	_, ok := m.GetSecret(context.Background(), "any.key", "production", true)
	assert.False(t, ok, "backend failure must surface as absent, not as a panic or error")
}

func TestSetSecretWholeTreeReadModifyWrite(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	fb.setTree("staging", map[string]interface{}{
		"database": map[string]interface{}{"primary": "old"},
		"other":    "keep-me",
	})
	m, _ := newTestManager(t, fb, time.Minute)

	require.NoError(t, m.SetSecret(context.Background(), "database.primary", "new", "staging"))

	// The unrelated key survives because the whole tree is written back.
	value, ok := m.GetSecret(context.Background(), "other", "staging", false)
	require.True(t, ok)
	assert.Equal(t, "keep-me", value)

	value, ok = m.GetSecret(context.Background(), "database.primary", "staging", false)
	require.True(t, ok)
	assert.Equal(t, "new", value)
}

func TestSetSecretInvalidatesCache(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	fb.setTree("production", map[string]interface{}{"k": "v1"})
	m, _ := newTestManager(t, fb, time.Minute)

	_, ok := m.GetSecret(context.Background(), "k", "production", true)
	require.True(t, ok)
	require.True(t, m.Cache().Valid())

	require.NoError(t, m.SetSecret(context.Background(), "k", "v2", "production"))
	assert.False(t, m.Cache().Valid(), "a write must invalidate the cached snapshot")

	value, ok := m.GetSecret(context.Background(), "k", "production", true)
	require.True(t, ok)
	assert.Equal(t, "v2", value)
}

func TestGetEnvironmentConfigFailureReturnsEmptyMap(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	fb.setBroken(true)
	m, _ := newTestManager(t, fb, time.Minute)

	tree := m.GetEnvironmentConfig(context.Background(), "production")
	require.NotNil(t, tree)
	assert.Empty(t, tree)
}

func TestBulkGetSecretsSingleFetchForMisses(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	fb.setTree("production", map[string]interface{}{
		"api": map[string]interface{}{"openai": "sk-1", "anthropic": "sk-2"},
	})
	m, _ := newTestManager(t, fb, time.Minute)

	out := m.BulkGetSecrets(context.Background(), []string{"api.openai", "api.anthropic", "api.missing"}, "production")
	assert.Equal(t, map[string]string{"api.openai": "sk-1", "api.anthropic": "sk-2"}, out)
	assert.Equal(t, 1, fb.getCount(), "all misses must share one remote fetch")
}

func TestRotateSecretWritesPlaceholderSlot(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	fb.setTree("dev", map[string]interface{}{"api_key": "orig"})
	m, _ := newTestManager(t, fb, time.Minute)

	require.NoError(t, m.RotateSecret(context.Background(), "api_key", "dev"))

	staged, ok := m.GetSecret(context.Background(), "api_key_new", "dev", false)
	require.True(t, ok)
	assert.NotEmpty(t, staged)

	orig, ok := m.GetSecret(context.Background(), "api_key", "dev", false)
	require.True(t, ok)
	assert.Equal(t, "orig", orig, "the original slot is untouched")
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	m, _ := newTestManager(t, fb, time.Minute)

	h := m.HealthCheck(context.Background())
	assert.True(t, h.Healthy)

	fb.setBroken(true)
	h = m.HealthCheck(context.Background())
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.BackendError)
}

func TestAccessIsAudited(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(t)
	fb.setTree("production", map[string]interface{}{"db": map[string]interface{}{"password": "Sup3rSecret!"}})
	m, sink := newTestManager(t, fb, time.Minute)

	_, ok := m.GetSecret(context.Background(), "db.password", "production", true)
	require.True(t, ok)

	events := sink.Events()
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.NotContains(t, ev.Message, "Sup3rSecret!")
		for _, v := range ev.Data {
			assert.NotEqual(t, "Sup3rSecret!", v)
		}
	}
}
