package secrets

import "time"

// Scope describes how widely a secret applies.
type Scope string

const (
	ScopeGlobal      Scope = "global"
	ScopeProject     Scope = "project"
	ScopeEnvironment Scope = "environment"
	ScopeService     Scope = "service"
)

// Status is the lifecycle state of a managed secret. Secrets are never
// deleted, only marked deprecated or revoked.
type Status string

const (
	StatusActive     Status = "active"
	StatusRotating   Status = "rotating"
	StatusDeprecated Status = "deprecated"
	StatusRevoked    Status = "revoked"
	StatusExpired    Status = "expired"
)

// Metadata tracks the lifecycle of a single secret. Mutated on every access
// and rotation; values themselves never appear here.
type Metadata struct {
	Key                  string            `json:"key"`
	Scope                Scope             `json:"scope"`
	CreatedAt            time.Time         `json:"created_at"`
	LastAccessed         time.Time         `json:"last_accessed"`
	LastRotated          time.Time         `json:"last_rotated,omitempty"`
	RotationIntervalDays int               `json:"rotation_interval_days,omitempty"`
	AccessCount          int64             `json:"access_count"`
	Status               Status            `json:"status"`
	Tags                 map[string]string `json:"tags,omitempty"`
}

func newMetadata(key string) *Metadata {
	now := time.Now().UTC()
	return &Metadata{
		Key:       key,
		Scope:     ScopeEnvironment,
		CreatedAt: now,
		Status:    StatusActive,
	}
}
