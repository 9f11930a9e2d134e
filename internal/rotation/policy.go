package rotation

// Type selects the generation and validation strategy for a secret.
type Type string

const (
	TypePassword      Type = "password"
	TypeAPIKey        Type = "api-key"
	TypeToken         Type = "token"
	TypeCertificate   Type = "certificate"
	TypeDBPassword    Type = "db-password"
	TypeEncryptionKey Type = "encryption-key"
)

// Policy is the static rotation rule for one managed secret.
type Policy struct {
	SecretKey              string `json:"secret_key"`
	RotationType           Type   `json:"rotation_type"`
	IntervalDays           int    `json:"interval_days"`
	MaxAgeDays             int    `json:"max_age_days"`
	GracePeriodHours       int    `json:"grace_period_hours"`
	AutoRotate             bool   `json:"auto_rotate"`
	RollbackTimeoutMinutes int    `json:"rollback_timeout_minutes"`
	ValidationRequired     bool   `json:"validation_required"`

	// Environments limits the policy to the listed environments. Empty
	// means any environment for manual rotation; the scheduler only
	// auto-rotates environments listed explicitly.
	Environments []string `json:"environments"`

	// Length overrides the generated value length for password and token
	// types. Zero means the type's default.
	Length int `json:"length,omitempty"`

	// KeyPrefix is prepended to generated API keys, e.g. "sk-".
	KeyPrefix string `json:"key_prefix,omitempty"`

	// ValidationURL is probed with the candidate API key during
	// validation of api-key rotations.
	ValidationURL string `json:"validation_url,omitempty"`

	// ValidationDSN is a connection string template for db-password
	// rotations; the literal %s is replaced with the candidate password
	// and the resulting DSN must accept a ping.
	ValidationDSN string `json:"validation_dsn,omitempty"`
}
