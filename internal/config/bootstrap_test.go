package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/trustplane/internal/errors"
)

const validBootstrap = `
environment: production
backend:
  base_url: https://esc.example.com
  organization: acme
  token: esc-token
  timeout: 15s
cache:
  ttl: 5m
config:
  env_files: [".env", ".env.local"]
  refresh_interval: 10m
  defaults:
    application:
      debug: false
    infrastructure:
      redis:
        url: redis://localhost:6379
        password:
          $secret: infrastructure.redis.password
audit:
  file: audit.log
  encrypt: true
  buffer_size: 50
  flush_interval: 45s
rotation:
  check_interval: 1h
  policies:
    - secret_key: llm_providers.direct_keys.openai
      rotation_type: api-key
      interval_days: 90
      auto_rotate: true
      rollback_timeout_minutes: 60
      validation_required: true
      environments: [production, staging]
`

func writeBootstrap(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trustplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadBootstrap(t *testing.T) {
	t.Parallel()

	b, err := LoadBootstrap(writeBootstrap(t, validBootstrap))
	require.NoError(t, err)

	assert.Equal(t, "production", b.Environment)
	assert.Equal(t, "https://esc.example.com", b.Backend.BaseURL)
	assert.Equal(t, 15*time.Second, b.Backend.Timeout.Std())
	assert.Equal(t, 5*time.Minute, b.Cache.TTL.Std())
	assert.Equal(t, 45*time.Second, b.Audit.FlushInterval.Std())
	assert.Equal(t, time.Hour, b.Rotation.CheckInterval.Std())

	require.Len(t, b.Rotation.Policies, 1)
	pol := b.Rotation.Policies[0]
	assert.Equal(t, "llm_providers.direct_keys.openai", pol.SecretKey)
	assert.Equal(t, "api-key", pol.RotationType)
	assert.Equal(t, 90, pol.IntervalDays)
	assert.True(t, pol.ValidationRequired)

	cfg := b.BackendConfig()
	assert.Equal(t, "acme", cfg.Organization)
	assert.Equal(t, "esc-token", cfg.Token)
}

func TestLoadBootstrapDefaultEntries(t *testing.T) {
	t.Parallel()

	b, err := LoadBootstrap(writeBootstrap(t, validBootstrap))
	require.NoError(t, err)

	values, refs := b.DefaultEntries()
	assert.Equal(t, false, values["application.debug"])
	assert.Equal(t, "redis://localhost:6379", values["infrastructure.redis.url"])

	// The $secret marker becomes a reference, not a literal value.
	assert.NotContains(t, values, "infrastructure.redis.password")
	assert.Equal(t, "infrastructure.redis.password", refs["infrastructure.redis.password"])
}

func TestLoadBootstrapSchemaViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"missing environment", "backend:\n  base_url: https://x\n  organization: acme\n"},
		{"missing backend", "environment: production\n"},
		{"bad rotation type", `
environment: dev
backend:
  base_url: https://esc.example.com
  organization: acme
rotation:
  policies:
    - secret_key: x
      rotation_type: magic
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadBootstrap(writeBootstrap(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoadBootstrapTokenFromEnv(t *testing.T) {
	content := `
environment: dev
backend:
  base_url: https://esc.example.com
  organization: acme
`
	t.Setenv("TRUSTPLANE_BACKEND_TOKEN", "env-token")

	b, err := LoadBootstrap(writeBootstrap(t, content))
	require.NoError(t, err)
	assert.Equal(t, "env-token", b.Backend.Token)
}

func TestLoadBootstrapInvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := LoadBootstrap(writeBootstrap(t, "environment: [unclosed"))
	require.Error(t, err)

	var uerr *errors.UserError
	assert.ErrorAs(t, err, &uerr)
}

func TestLoadBootstrapMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadBootstrap(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	var uerr *errors.UserError
	require.ErrorAs(t, err, &uerr)
	assert.NotEmpty(t, uerr.Suggestion)
}
