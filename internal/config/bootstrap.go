package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/systmms/trustplane/internal/backend"
	"github.com/systmms/trustplane/internal/errors"
)

// secretRefKey marks a nested map as a secret reference instead of a literal
// value: `token: {$secret: backend.api_token}` resolves the value through
// the secrets layer at read time rather than storing it in the file.
const secretRefKey = "$secret"

// bootstrapSchema validates the engine definition file before any component
// is constructed, so a malformed file fails fast with a field-level message.
const bootstrapSchema = `{
  "type": "object",
  "required": ["environment", "backend"],
  "properties": {
    "environment": {"type": "string", "minLength": 1},
    "backend": {
      "type": "object",
      "required": ["base_url", "organization"],
      "properties": {
        "base_url": {"type": "string", "minLength": 1},
        "organization": {"type": "string", "minLength": 1},
        "token": {"type": "string"},
        "timeout": {"type": ["string", "integer"]},
        "ca_cert": {"type": "string"},
        "insecure_skip_verify": {"type": "boolean"}
      }
    },
    "cache": {
      "type": "object",
      "properties": {
        "ttl": {"type": ["string", "integer"]}
      }
    },
    "config": {
      "type": "object",
      "properties": {
        "env_files": {"type": "array", "items": {"type": "string"}},
        "refresh_interval": {"type": ["string", "integer"]},
        "defaults": {"type": "object"}
      }
    },
    "audit": {
      "type": "object",
      "properties": {
        "file": {"type": "string"},
        "database": {"type": "string"},
        "syslog": {"type": "boolean"},
        "encrypt": {"type": "boolean"},
        "compress": {"type": "boolean"},
        "buffer_size": {"type": "integer", "minimum": 1},
        "flush_interval": {"type": ["string", "integer"]},
        "rotate_max_bytes": {"type": "integer", "minimum": 1}
      }
    },
    "rotation": {
      "type": "object",
      "properties": {
        "check_interval": {"type": ["string", "integer"]},
        "policies": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["secret_key", "rotation_type"],
            "properties": {
              "secret_key": {"type": "string", "minLength": 1},
              "rotation_type": {
                "type": "string",
                "enum": ["password", "api-key", "token", "certificate", "db-password", "encryption-key"]
              },
              "interval_days": {"type": "integer", "minimum": 1},
              "max_age_days": {"type": "integer", "minimum": 1},
              "grace_period_hours": {"type": "integer", "minimum": 0},
              "auto_rotate": {"type": "boolean"},
              "rollback_timeout_minutes": {"type": "integer", "minimum": 1},
              "validation_required": {"type": "boolean"},
              "environments": {"type": "array", "items": {"type": "string"}},
              "length": {"type": "integer", "minimum": 1},
              "key_prefix": {"type": "string"},
              "validation_url": {"type": "string"},
              "validation_dsn": {"type": "string"}
            }
          }
        }
      }
    },
    "notifications": {
      "type": "object",
      "properties": {
        "webhook_url": {"type": "string"},
        "webhook_token": {"type": "string"}
      }
    }
  }
}`

// Duration decodes YAML duration strings such as "30s" or "5m". Bare
// integers are taken as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Bootstrap is the parsed engine definition file.
type Bootstrap struct {
	Environment string `yaml:"environment"`

	Backend struct {
		BaseURL            string   `yaml:"base_url"`
		Organization       string   `yaml:"organization"`
		Token              string   `yaml:"token"`
		Timeout            Duration `yaml:"timeout"`
		CACert             string   `yaml:"ca_cert"`
		InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	} `yaml:"backend"`

	Cache struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Config struct {
		EnvFiles        []string               `yaml:"env_files"`
		RefreshInterval Duration               `yaml:"refresh_interval"`
		Defaults        map[string]interface{} `yaml:"defaults"`
	} `yaml:"config"`

	Audit struct {
		File           string   `yaml:"file"`
		Database       string   `yaml:"database"`
		Syslog         bool     `yaml:"syslog"`
		Encrypt        bool     `yaml:"encrypt"`
		Compress       bool     `yaml:"compress"`
		BufferSize     int      `yaml:"buffer_size"`
		FlushInterval  Duration `yaml:"flush_interval"`
		RotateMaxBytes int64    `yaml:"rotate_max_bytes"`
	} `yaml:"audit"`

	Rotation struct {
		CheckInterval Duration     `yaml:"check_interval"`
		Policies      []PolicySpec `yaml:"policies"`
	} `yaml:"rotation"`

	Notifications struct {
		WebhookURL   string `yaml:"webhook_url"`
		WebhookToken string `yaml:"webhook_token"`
	} `yaml:"notifications"`
}

// BackendConfig converts the backend section to the client's config type.
func (b *Bootstrap) BackendConfig() backend.Config {
	return backend.Config{
		BaseURL:            b.Backend.BaseURL,
		Organization:       b.Backend.Organization,
		Token:              b.Backend.Token,
		Timeout:            b.Backend.Timeout.Std(),
		CACert:             b.Backend.CACert,
		InsecureSkipVerify: b.Backend.InsecureSkipVerify,
	}
}

// PolicySpec is the file form of a rotation policy.
type PolicySpec struct {
	SecretKey              string   `yaml:"secret_key"`
	RotationType           string   `yaml:"rotation_type"`
	IntervalDays           int      `yaml:"interval_days"`
	MaxAgeDays             int      `yaml:"max_age_days"`
	GracePeriodHours       int      `yaml:"grace_period_hours"`
	AutoRotate             bool     `yaml:"auto_rotate"`
	RollbackTimeoutMinutes int      `yaml:"rollback_timeout_minutes"`
	ValidationRequired     bool     `yaml:"validation_required"`
	Environments           []string `yaml:"environments"`
	Length                 int      `yaml:"length"`
	KeyPrefix              string   `yaml:"key_prefix"`
	ValidationURL          string   `yaml:"validation_url"`
	ValidationDSN          string   `yaml:"validation_dsn"`
}

// LoadBootstrap reads, validates and parses the engine definition file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.UserError{
			Message:    fmt.Sprintf("Cannot read configuration file: %s", path),
			Suggestion: "Check that the file exists and is readable",
			Err:        err,
		}
	}

	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, &errors.UserError{
			Message:    fmt.Sprintf("Invalid YAML in %s", path),
			Suggestion: "Check the file for indentation or syntax mistakes",
			Err:        err,
		}
	}

	if err := validateBootstrap(generic); err != nil {
		return nil, err
	}

	var b Bootstrap
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}

	if b.Backend.Token == "" {
		b.Backend.Token = os.Getenv("TRUSTPLANE_BACKEND_TOKEN")
	}
	return &b, nil
}

func validateBootstrap(doc map[string]interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(bootstrapSchema),
		gojsonschema.NewGoLoader(normalizeForSchema(doc)),
	)
	if err != nil {
		return fmt.Errorf("failed to validate configuration: %w", err)
	}
	if result.Valid() {
		return nil
	}

	first := result.Errors()[0]
	return &errors.ConfigError{
		Field:      first.Field(),
		Message:    first.Description(),
		Suggestion: "Fix the field and retry",
	}
}

// normalizeForSchema rewrites YAML-decoded values into the shapes the JSON
// schema expects: duration strings stay strings, and map keys become strings
// at every level.
func normalizeForSchema(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeForSchema(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeForSchema(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeForSchema(item)
		}
		return out
	default:
		return v
	}
}

// DefaultEntries flattens the bootstrap defaults tree into dot-path entries
// and collects secret references separately. A reference entry contributes
// no literal value; the returned map links the config key to the secret path
// it should resolve through.
func (b *Bootstrap) DefaultEntries() (map[string]interface{}, map[string]string) {
	values := make(map[string]interface{})
	refs := make(map[string]string)
	flattenDefaults(b.Config.Defaults, "", values, refs)
	return values, refs
}

func flattenDefaults(tree map[string]interface{}, prefix string, values map[string]interface{}, refs map[string]string) {
	for k, v := range tree {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		nested, ok := asStringMap(v)
		if !ok {
			values[path] = v
			continue
		}
		if ref, isRef := nested[secretRefKey]; isRef && len(nested) == 1 {
			refs[path] = strings.TrimSpace(fmt.Sprintf("%v", ref))
			continue
		}
		flattenDefaults(nested, path, values, refs)
	}
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, item := range m {
			out[fmt.Sprintf("%v", k)] = item
		}
		return out, true
	default:
		return nil, false
	}
}
