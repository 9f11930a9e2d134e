package commands

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/trustplane/internal/config"
	"github.com/systmms/trustplane/internal/crypto"
	"github.com/systmms/trustplane/internal/rotation"
)

func TestPolicyFromSpec(t *testing.T) {
	t.Parallel()

	spec := config.PolicySpec{
		SecretKey:              "database.password",
		RotationType:           "db-password",
		IntervalDays:           30,
		MaxAgeDays:             60,
		GracePeriodHours:       4,
		AutoRotate:             true,
		RollbackTimeoutMinutes: 45,
		ValidationRequired:     true,
		Environments:           []string{"production"},
		Length:                 40,
		KeyPrefix:              "tk-",
		ValidationURL:          "https://api.example.com/ping",
		ValidationDSN:          "postgres://app:%s@db/app",
	}

	p := policyFromSpec(spec)

	assert.Equal(t, "database.password", p.SecretKey)
	assert.Equal(t, rotation.TypeDBPassword, p.RotationType)
	assert.Equal(t, 30, p.IntervalDays)
	assert.Equal(t, 60, p.MaxAgeDays)
	assert.Equal(t, 4, p.GracePeriodHours)
	assert.True(t, p.AutoRotate)
	assert.Equal(t, 45, p.RollbackTimeoutMinutes)
	assert.True(t, p.ValidationRequired)
	assert.Equal(t, []string{"production"}, p.Environments)
	assert.Equal(t, 40, p.Length)
	assert.Equal(t, "tk-", p.KeyPrefix)
	assert.Equal(t, "https://api.example.com/ping", p.ValidationURL)
	assert.Equal(t, "postgres://app:%s@db/app", p.ValidationDSN)
}

func TestBuildAuditSinksDefaultsToMemory(t *testing.T) {
	t.Parallel()

	b := &config.Bootstrap{}
	sinks, err := buildAuditSinks(b, nil)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, "memory", sinks[0].Name())
}

func TestBuildAuditSinksFileAndDatabase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := &config.Bootstrap{}
	b.Audit.File = filepath.Join(dir, "audit.log")
	b.Audit.Database = filepath.Join(dir, "audit.db")

	cipher, err := crypto.NewCipher(make([]byte, crypto.KeySize))
	require.NoError(t, err)

	sinks, err := buildAuditSinks(b, cipher)
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	assert.Equal(t, "file", sinks[0].Name())
	assert.Equal(t, "database", sinks[1].Name())

	for _, s := range sinks {
		require.NoError(t, s.Close())
	}
}

func TestBuildAppFromBootstrapFile(t *testing.T) {
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	t.Setenv(crypto.MasterKeyEnv, base64.StdEncoding.EncodeToString(key))

	dir := t.TempDir()
	configPath := filepath.Join(dir, "trustplane.yaml")
	doc := fmt.Sprintf(`
environment: staging
backend:
  base_url: https://esc.example.com
  organization: acme
  token: test-token
cache:
  ttl: 2m
audit:
  file: %s
rotation:
  check_interval: 30m
  policies:
    - secret_key: api.key
      rotation_type: api-key
      interval_days: 30
`, filepath.Join(dir, "audit.log"))
	require.NoError(t, os.WriteFile(configPath, []byte(doc), 0o600))

	app, err := buildApp(&GlobalOptions{ConfigFile: configPath, NoColor: true})
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, "staging", app.Bootstrap.Environment)
	assert.NotNil(t, app.Secrets)
	assert.NotNil(t, app.Loader)
	assert.NotNil(t, app.Audit)
	assert.Len(t, app.Rotation.Policies(), 1)
}

func TestServeMuxHealthUnreachableBackend(t *testing.T) {
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	t.Setenv(crypto.MasterKeyEnv, base64.StdEncoding.EncodeToString(key))

	dir := t.TempDir()
	configPath := filepath.Join(dir, "trustplane.yaml")
	doc := `
environment: staging
backend:
  base_url: http://127.0.0.1:1
  organization: acme
  token: test-token
`
	require.NoError(t, os.WriteFile(configPath, []byte(doc), 0o600))

	app, err := buildApp(&GlobalOptions{ConfigFile: configPath, NoColor: true})
	require.NoError(t, err)
	defer app.Close()

	rec := httptest.NewRecorder()
	serveMux(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy":false`)
}
