package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Level classifies audit events by severity.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
	LevelSecurity Level = "security"
)

// Action identifies the kind of operation an audit event records.
type Action string

const (
	ActionSecretAccess     Action = "secret_access"
	ActionSecretCreate     Action = "secret_create"
	ActionSecretUpdate     Action = "secret_update"
	ActionSecretDelete     Action = "secret_delete"
	ActionSecretRotation   Action = "secret_rotation"
	ActionRotationRollback Action = "rotation_rollback"
	ActionConfigLoad       Action = "config_load"
	ActionConfigRefresh    Action = "config_refresh"
	ActionConfigChange     Action = "config_change"
	ActionCacheRefresh     Action = "cache_refresh"
	ActionHealthCheck      Action = "health_check"
	ActionBackendSync      Action = "backend_sync"
	ActionSystemStart      Action = "system_start"
	ActionSystemStop       Action = "system_stop"
	ActionIntegrityCheck   Action = "integrity_check"
)

// Context carries caller identity attached to an audit event.
type Context struct {
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	Environment string `json:"environment,omitempty"`
	Service     string `json:"service,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
}

// Event is a single immutable audit record. The checksum is computed over
// every other field at construction time; any later mismatch between the
// stored checksum and a recomputation means the event was tampered with or
// corrupted and must not be trusted.
type Event struct {
	EventID      string                 `json:"event_id"`
	Timestamp    time.Time              `json:"timestamp"`
	Level        Level                  `json:"level"`
	Action       Action                 `json:"action"`
	Resource     string                 `json:"resource"`
	Message      string                 `json:"message"`
	Context      Context                `json:"context"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Success      bool                   `json:"success"`
	ErrorDetails string                 `json:"error_details,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	Checksum     string                 `json:"checksum"`
}

// newEvent builds a sanitized event with its checksum attached. The checksum
// key may be nil, in which case a plain SHA-256 digest is used instead of an
// HMAC.
func newEvent(level Level, action Action, resource, message string, evCtx Context, data map[string]interface{}, success bool, errorDetails string, durationMs int64, checksumKey []byte) Event {
	ev := Event{
		EventID:      uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Level:        level,
		Action:       action,
		Resource:     SanitizeResource(resource),
		Message:      sanitizeText(message),
		Context:      evCtx,
		Data:         sanitizeData(data),
		Success:      success,
		ErrorDetails: sanitizeText(errorDetails),
		DurationMs:   durationMs,
	}
	ev.Checksum = ComputeChecksum(&ev, checksumKey)
	return ev
}

// ComputeChecksum derives the integrity checksum over all event fields except
// the checksum itself. Variable-length fields are length-prefixed in the
// canonical buffer so no two distinct events share an encoding.
func ComputeChecksum(ev *Event, key []byte) string {
	buf := make([]byte, 0, 1024)

	buf = appendLengthPrefixed(buf, []byte(ev.EventID))

	timeBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(timeBytes, uint64(ev.Timestamp.UnixNano()))
	buf = append(buf, timeBytes...)

	buf = appendLengthPrefixed(buf, []byte(ev.Level))
	buf = appendLengthPrefixed(buf, []byte(ev.Action))
	buf = appendLengthPrefixed(buf, []byte(ev.Resource))
	buf = appendLengthPrefixed(buf, []byte(ev.Message))

	// Context and data serialize deterministically: struct field order is
	// fixed and encoding/json sorts map keys.
	ctxBytes, _ := json.Marshal(ev.Context)
	buf = appendLengthPrefixed(buf, ctxBytes)

	if ev.Data != nil {
		dataBytes, _ := json.Marshal(ev.Data)
		buf = appendLengthPrefixed(buf, dataBytes)
	} else {
		buf = appendLengthPrefixed(buf, nil)
	}

	if ev.Success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = appendLengthPrefixed(buf, []byte(ev.ErrorDetails))

	durBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(durBytes, uint64(ev.DurationMs))
	buf = append(buf, durBytes...)

	if len(key) > 0 {
		mac := hmac.New(sha256.New, key)
		mac.Write(buf)
		return hex.EncodeToString(mac.Sum(nil))
	}

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum recomputes the checksum and compares it to the stored one.
func VerifyChecksum(ev *Event, key []byte) bool {
	expected := ComputeChecksum(ev, key)
	return hmac.Equal([]byte(expected), []byte(ev.Checksum))
}

// appendLengthPrefixed adds a 4-byte big-endian length prefix followed by the
// data, preventing ambiguity between adjacent variable-length fields.
func appendLengthPrefixed(buf []byte, data []byte) []byte {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))
	buf = append(buf, length...)
	buf = append(buf, data...)
	return buf
}
