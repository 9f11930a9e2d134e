package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumRoundTrip(t *testing.T) {
	t.Parallel()

	key := []byte("0123456789abcdef0123456789abcdef")
	ev := newEvent(LevelInfo, ActionSecretAccess, "database.primary", "secret accessed",
		Context{Environment: "production", UserID: "u-17"},
		map[string]interface{}{"entries": 3}, true, "", 12, key)

	require.NotEmpty(t, ev.Checksum)
	assert.True(t, VerifyChecksum(&ev, key))
}

func TestChecksumDetectsMutation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"message", func(ev *Event) { ev.Message = "something else" }},
		{"resource", func(ev *Event) { ev.Resource = "other.resource" }},
		{"success", func(ev *Event) { ev.Success = false }},
		{"timestamp", func(ev *Event) { ev.Timestamp = ev.Timestamp.Add(time.Second) }},
		{"data", func(ev *Event) { ev.Data["entries"] = 99 }},
		{"context", func(ev *Event) { ev.Context.Environment = "staging" }},
	}

	key := []byte("test-hmac-key")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev := newEvent(LevelInfo, ActionConfigLoad, "env_file", "configuration loaded",
				Context{Environment: "production"},
				map[string]interface{}{"entries": 3}, true, "", 0, key)
			require.True(t, VerifyChecksum(&ev, key))

			tt.mutate(&ev)
			assert.False(t, VerifyChecksum(&ev, key), "mutation must invalidate the checksum")
		})
	}
}

func TestChecksumWithoutKeyFallsBackToSHA256(t *testing.T) {
	t.Parallel()

	ev := newEvent(LevelWarning, ActionSecretAccess, "api.stripe", "secret accessed",
		Context{}, nil, false, "not found", 0, nil)

	assert.True(t, VerifyChecksum(&ev, nil))

	// A keyed verification of an unkeyed checksum must fail.
	assert.False(t, VerifyChecksum(&ev, []byte("some-key")))
}

func TestNewEventSanitizesBeforeChecksum(t *testing.T) {
	t.Parallel()

	ev := newEvent(LevelInfo, ActionSecretUpdate, "llm_providers.openai", "updated api_key=sk-verysecretvalue for service",
		Context{}, map[string]interface{}{"password": "Sup3rSecret!"}, true, "", 0, nil)

	assert.NotContains(t, ev.Message, "sk-verysecretvalue")
	assert.Equal(t, "***cret!", ev.Data["password"])

	// Checksum covers the sanitized form, so the stored event still verifies.
	assert.True(t, VerifyChecksum(&ev, nil))
}
