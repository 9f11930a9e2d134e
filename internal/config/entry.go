package config

import "time"

// Source identifies where a configuration entry came from.
type Source string

const (
	SourceRemote      Source = "remote_backend"
	SourceEnvironment Source = "environment"
	SourceEnvFile     Source = "env_file"
	SourceDefault     Source = "default"
)

// Priority returns the numeric rank of a source. Lower wins: the remote
// backend overrides everything, hard-coded defaults yield to everything.
func (s Source) Priority() int {
	switch s {
	case SourceRemote:
		return 1
	case SourceEnvironment:
		return 2
	case SourceEnvFile:
		return 3
	default:
		return 4
	}
}

// Entry is one merged configuration value. For a given key only the entry
// with the lowest priority number is retained.
type Entry struct {
	Key         string      `json:"key"`
	Value       interface{} `json:"value"`
	Source      Source      `json:"source"`
	Priority    int         `json:"priority"`
	LastUpdated time.Time   `json:"last_updated"`
	IsSecret    bool        `json:"is_secret"`
	Tags        []string    `json:"tags,omitempty"`
}
