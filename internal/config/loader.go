package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"evictguard/internal/types"
)

// ConfigError reports why a binary refused to start.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ssmParamSuffix marks pointer variables: DATABASE_URL_SSM_PARAM holds the
// parameter path DATABASE_URL is resolved from.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv skips parameter resolution entirely.
const localEnv = "local"

const ssmResolveTimeout = 30 * time.Second

// loaderDeps is the process environment, swapped for a map in tests.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{lookupEnv: os.LookupEnv, setEnv: os.Setenv, environ: os.Environ}
}

// binaryConfig is implemented by AgentConfig, GatewayConfig and WorkerConfig.
type binaryConfig interface {
	common() *CommonConfig
	// check applies cross-field rules that struct tags cannot express.
	check() error
}

// LoadAgentConfig loads and validates the eviction agent configuration.
func LoadAgentConfig(provider SecretProvider) (*AgentConfig, error) {
	return loadInto[AgentConfig](provider)
}

// LoadGatewayConfig loads and validates the ingestion gateway configuration.
func LoadGatewayConfig(provider SecretProvider) (*GatewayConfig, error) {
	return loadInto[GatewayConfig](provider)
}

// LoadWorkerConfig loads and validates the recovery worker configuration.
func LoadWorkerConfig(provider SecretProvider) (*WorkerConfig, error) {
	return loadInto[WorkerConfig](provider)
}

func loadInto[T any, P interface {
	*T
	binaryConfig
}](provider SecretProvider) (*T, error) {
	cfg := P(new(T))
	if err := load(provider, defaultDeps(), cfg); err != nil {
		return nil, err
	}
	return (*T)(cfg), nil
}

// load fills cfg from, in decreasing priority, the process environment, a
// .env file and SSM parameters named by _SSM_PARAM pointers. A nil provider
// is fine as long as nothing needs resolving.
func load(provider SecretProvider, deps loaderDeps, cfg binaryConfig) error {
	time.Local = time.UTC

	// Never overrides variables that are already set.
	_ = godotenv.Load()

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return err
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	cfg.common().Build = NewBuildInfo()

	if err := types.NewValidator().Struct(cfg); err != nil {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	return cfg.check()
}

// pendingParams maps parameter path to the variable it fills, for every
// pointer whose target is still unset.
func pendingParams(deps loaderDeps) map[string]string {
	pending := make(map[string]string)
	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || path == "" {
			continue
		}
		target, found := strings.CutSuffix(key, ssmParamSuffix)
		if !found {
			continue
		}
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		pending[path] = target
	}
	return pending
}

// resolveSSMParams fetches every pending parameter in one batch and exports
// the values so envconfig sees them. Any unresolved pointer is an error.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pending := pendingParams(deps)
	if len(pending) == 0 {
		return nil
	}

	targets := make([]string, 0, len(pending))
	paths := make([]string, 0, len(pending))
	for path, target := range pending {
		paths = append(paths, path)
		targets = append(targets, target)
	}
	slices.Sort(targets)

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "no secret provider configured to resolve " + strings.Join(targets, ", "),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	values, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("resolving %d parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for path, target := range pending {
		value, ok := values[path]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "exporting " + target, Err: err}
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "parameters not found for " + strings.Join(missing, ", "),
		}
	}
	return nil
}
