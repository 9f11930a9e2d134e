package config

import "strings"

// explicitKeyMap maps well-known environment variable names to their nested
// configuration paths. Anything not listed falls through to the generic rule
// in mapEnvKey.
var explicitKeyMap = map[string]string{
	"REDIS_URL":      "infrastructure.redis.url",
	"REDIS_PASSWORD": "infrastructure.redis.password",
	"QDRANT_URL":     "infrastructure.vector_db.qdrant.url",
	"QDRANT_API_KEY": "infrastructure.vector_db.qdrant.api_key",
	"DATABASE_URL":   "infrastructure.database.url",
	"LOG_LEVEL":      "application.log_level",
	"DEBUG":          "application.debug",
}

// llmProviders are the vendors whose <PROVIDER>_API_KEY variables map under
// llm_providers.direct_keys.
var llmProviders = []string{
	"OPENAI", "ANTHROPIC", "GOOGLE", "MISTRAL", "GROQ", "DEEPSEEK", "COHERE",
}

// mapEnvKey converts a flat environment-variable name to a nested dot path.
// Explicit mappings win, then the provider API key pattern, then the generic
// rule: lowercase with underscores becoming dots.
func mapEnvKey(name string) string {
	if mapped, ok := explicitKeyMap[name]; ok {
		return mapped
	}
	for _, provider := range llmProviders {
		if name == provider+"_API_KEY" {
			return "llm_providers.direct_keys." + strings.ToLower(provider)
		}
	}
	return strings.ReplaceAll(strings.ToLower(name), "_", ".")
}

// isSecretKey reports whether a config path carries a sensitive value.
// Controls whether the value is tagged as a secret in the merged table.
func isSecretKey(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range []string{"password", "secret", "token", "api_key", "credential", "private_key"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
