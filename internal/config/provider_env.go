package config

import (
	"context"
	"os"
	"strings"
)

// EnvVarProvider implements SecretProvider by resolving parameter paths from
// OS environment variables. A path is mapped to a variable name by dropping
// the leading slash, turning "/" and "-" into "_" and upper-casing, so
// "/dev/evictguard/webhook-api-key" is read from DEV_EVICTGUARD_WEBHOOK_API_KEY.
type EnvVarProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookup: os.LookupEnv}
}

// envKeyForPath converts a parameter path to its environment variable name.
func envKeyForPath(path string) string {
	key := strings.TrimPrefix(path, "/")
	key = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(key)
	return strings.ToUpper(key)
}

// GetParametersBatch returns the values found in the environment. Missing
// keys are omitted; the loader reports them as unresolved.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := p.lookup(envKeyForPath(key)); ok {
			result[key] = val
		}
	}
	return result, nil
}
