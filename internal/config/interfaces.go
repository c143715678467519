package config

import (
	"context"
	"os"
)

// SecretProvider abstracts the retrieval of secrets referenced by _SSM_PARAM
// variables. SSMProvider is used in deployed environments; EnvVarProvider lets
// docker-compose style setups exercise the same indirection without AWS.
type SecretProvider interface {
	// GetParametersBatch resolves the given parameter paths. Returns a map of
	// path -> plaintext value for all successfully resolved parameters.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

// Secret provider kinds selectable via SECRET_PROVIDER.
const (
	SecretProviderSSM = "ssm"
	SecretProviderEnv = "env"
)

// NewSecretProviderFromEnv picks the provider named by SECRET_PROVIDER
// (default "ssm"), configured from AWS_REGION and AWS_ENDPOINT_URL. It is
// called before any config struct is loaded, so it reads the raw environment.
func NewSecretProviderFromEnv() SecretProvider {
	if os.Getenv("SECRET_PROVIDER") == SecretProviderEnv {
		return NewEnvVarProvider()
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return NewSSMProvider(region, WithSSMEndpoint(os.Getenv("AWS_ENDPOINT_URL")))
}
