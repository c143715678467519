package config

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSecretProvider is a configurable mock for testing SSM resolution.
type testSecretProvider struct {
	values     map[string]string
	err        error
	calledWith []string
	callCount  int
}

func (p *testSecretProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	p.callCount++
	p.calledWith = append(p.calledWith, keys...)
	if p.err != nil {
		return nil, p.err
	}
	result := make(map[string]string)
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}

// mapDeps returns loader dependencies backed by an in-memory environment.
func mapDeps(env map[string]string) loaderDeps {
	return loaderDeps{
		lookupEnv: func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		},
		setEnv: func(key, value string) error {
			env[key] = value
			return nil
		},
		environ: func() []string {
			out := make([]string, 0, len(env))
			for k, v := range env {
				out = append(out, k+"="+v)
			}
			return out
		},
	}
}

// unsetForTest clears key for the duration of the test and restores the
// previous value afterwards, including values the loader injects.
func unsetForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func requireConfigError(t *testing.T, err error, want ConfigErrorType) *ConfigError {
	t.Helper()
	require.Error(t, err)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected *ConfigError, got %T: %v", err, err)
	assert.Equal(t, want, cfgErr.Type)
	return cfgErr
}

func setAgentEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("WEBHOOK_URL", "https://gateway.test.local/webhook")
	t.Setenv("WEBHOOK_API_KEY", "agent-test-key")
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	setAgentEnv(t)

	cfg, err := LoadAgentConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.SourceGracePeriod)
	assert.Equal(t, 3, cfg.NotifyMaxAttempts)
	assert.Equal(t, []string{"Preempt", "Terminate", "Reboot", "Redeploy"}, cfg.EvictionEventTypes)
	assert.Equal(t, "default", cfg.DefaultResourceGroup)
	assert.Equal(t, "agent-test-key", cfg.WebhookAPIKey.Unmask())
	assert.Equal(t, "dev", cfg.Common.Build.Version)
	assert.True(t, cfg.Common.IsLocal())
	assert.Equal(t, time.UTC, time.Local)
}

func TestLoadAgentConfig_PollIntervalMustFitNoticeWindow(t *testing.T) {
	setAgentEnv(t)
	t.Setenv("POLL_INTERVAL", "45s")

	_, err := LoadAgentConfig(nil)
	requireConfigError(t, err, ErrValidation)
}

func TestLoadAgentConfig_RejectsInvalidIdentityOverride(t *testing.T) {
	setAgentEnv(t)
	t.Setenv("RESOURCE_GROUP", "bad rg!")

	_, err := LoadAgentConfig(nil)
	requireConfigError(t, err, ErrValidation)
}

func TestLoadAgentConfig_MissingWebhookURL(t *testing.T) {
	setAgentEnv(t)
	unsetForTest(t, "WEBHOOK_URL")

	_, err := LoadAgentConfig(nil)
	requireConfigError(t, err, ErrValidation)
}

func TestLoadAgentConfig_ParsingFailure(t *testing.T) {
	setAgentEnv(t)
	t.Setenv("HEARTBEAT_INTERVAL", "soon")

	_, err := LoadAgentConfig(nil)
	requireConfigError(t, err, ErrParsing)
}

func TestLoadGatewayConfig(t *testing.T) {
	t.Run("local without queue uses in-process queue", func(t *testing.T) {
		t.Setenv("APP_ENV", "local")
		t.Setenv("WEBHOOK_API_KEY", "gw-key")
		unsetForTest(t, "SQS_RECOVERY_QUEUE")

		cfg, err := LoadGatewayConfig(nil)
		require.NoError(t, err)
		assert.Empty(t, cfg.RecoveryQueueURL)
		assert.Equal(t, 5*time.Minute, cfg.EpisodeWindow)
		assert.Equal(t, int64(65536), cfg.MaxBodyBytes)
	})

	t.Run("deployed environment requires a queue", func(t *testing.T) {
		t.Setenv("APP_ENV", "dev")
		t.Setenv("WEBHOOK_API_KEY", "gw-key")
		unsetForTest(t, "SQS_RECOVERY_QUEUE")

		_, err := LoadGatewayConfig(nil)
		cfgErr := requireConfigError(t, err, ErrMissingEnv)
		assert.Contains(t, cfgErr.Message, "SQS_RECOVERY_QUEUE")
	})

	t.Run("unknown environment is rejected", func(t *testing.T) {
		t.Setenv("APP_ENV", "qa")
		t.Setenv("WEBHOOK_API_KEY", "gw-key")

		_, err := LoadGatewayConfig(nil)
		requireConfigError(t, err, ErrValidation)
	})
}

func TestLoadGatewayConfig_ResolvesSSMParams(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("SQS_RECOVERY_QUEUE", "https://sqs.us-east-1.amazonaws.com/123/recovery")
	t.Setenv("WEBHOOK_API_KEY_SSM_PARAM", "/dev/evictguard/webhook-api-key")
	unsetForTest(t, "WEBHOOK_API_KEY")

	provider := &testSecretProvider{values: map[string]string{
		"/dev/evictguard/webhook-api-key": "from-ssm",
	}}

	cfg, err := LoadGatewayConfig(provider)
	require.NoError(t, err)
	assert.Equal(t, "from-ssm", cfg.WebhookAPIKey.Unmask())
	assert.Equal(t, 1, provider.callCount)
}

func setWorkerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("COMPUTE_DRY_RUN", "true")
	unsetForTest(t, "DATABASE_URL")
	unsetForTest(t, "SQS_RECOVERY_QUEUE")
	for _, key := range []string{"CLAIM_TTL", "VISIBILITY_TIMEOUT", "PROVIDER_CALL_TIMEOUT", "EPISODE_WINDOW", "IDEMPOTENCY_WINDOW"} {
		unsetForTest(t, key)
	}
}

func TestLoadWorkerConfig_Defaults(t *testing.T) {
	setWorkerEnv(t)

	cfg, err := LoadWorkerConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, WorkerModeLambda, cfg.Mode)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, time.Hour, cfg.IdempotencyWindow)
	assert.Equal(t, 10*time.Second, cfg.ProviderCallTimeout)
	assert.Equal(t, 60*time.Second, cfg.EffectiveClaimTTL())
	assert.Equal(t, 5*time.Minute, cfg.EpisodeWindow)
	assert.Equal(t, "https://management.azure.com", cfg.Azure.ManagementEndpoint)
}

func TestLoadWorkerConfig_ClaimTTLOverride(t *testing.T) {
	setWorkerEnv(t)
	t.Setenv("CLAIM_TTL", "30s")

	cfg, err := LoadWorkerConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.EffectiveClaimTTL())
}

func TestLoadWorkerConfig_CrossFieldRules(t *testing.T) {
	t.Run("poll mode requires a queue", func(t *testing.T) {
		setWorkerEnv(t)
		t.Setenv("WORKER_MODE", "poll")

		_, err := LoadWorkerConfig(nil)
		requireConfigError(t, err, ErrMissingEnv)
	})

	t.Run("live compute requires credentials", func(t *testing.T) {
		setWorkerEnv(t)
		t.Setenv("COMPUTE_DRY_RUN", "false")
		t.Setenv("AZURE_TENANT_ID", "tenant")
		unsetForTest(t, "AZURE_CLIENT_ID")
		unsetForTest(t, "AZURE_CLIENT_SECRET")
		unsetForTest(t, "AZURE_SUBSCRIPTION_ID")

		_, err := LoadWorkerConfig(nil)
		cfgErr := requireConfigError(t, err, ErrMissingEnv)
		assert.Equal(t, "missing Azure credentials: AZURE_CLIENT_ID, AZURE_CLIENT_SECRET, AZURE_SUBSCRIPTION_ID", cfgErr.Message)
	})

	t.Run("deployed environment requires a database", func(t *testing.T) {
		setWorkerEnv(t)
		t.Setenv("APP_ENV", "prod")

		_, err := LoadWorkerConfig(nil)
		cfgErr := requireConfigError(t, err, ErrMissingEnv)
		assert.Contains(t, cfgErr.Message, "DATABASE_URL")
	})

	t.Run("claim TTL shorter than the provider call is invalid", func(t *testing.T) {
		setWorkerEnv(t)
		t.Setenv("VISIBILITY_TIMEOUT", "5s")
		t.Setenv("PROVIDER_CALL_TIMEOUT", "10s")

		_, err := LoadWorkerConfig(nil)
		cfgErr := requireConfigError(t, err, ErrValidation)
		assert.Contains(t, cfgErr.Message, "PROVIDER_CALL_TIMEOUT")
	})

	t.Run("claim TTL within the safety margin is invalid", func(t *testing.T) {
		setWorkerEnv(t)
		t.Setenv("CLAIM_TTL", "12s")
		t.Setenv("PROVIDER_CALL_TIMEOUT", "10s")

		_, err := LoadWorkerConfig(nil)
		requireConfigError(t, err, ErrValidation)
	})

	t.Run("explicit claim TTL rescues a short visibility timeout", func(t *testing.T) {
		setWorkerEnv(t)
		t.Setenv("VISIBILITY_TIMEOUT", "5s")
		t.Setenv("CLAIM_TTL", "20s")
		t.Setenv("PROVIDER_CALL_TIMEOUT", "10s")

		cfg, err := LoadWorkerConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, 20*time.Second, cfg.EffectiveClaimTTL())
	})

	t.Run("episode window longer than the idempotency window is invalid", func(t *testing.T) {
		setWorkerEnv(t)
		t.Setenv("EPISODE_WINDOW", "2h")

		_, err := LoadWorkerConfig(nil)
		requireConfigError(t, err, ErrValidation)
	})

	t.Run("retry max below base is invalid", func(t *testing.T) {
		setWorkerEnv(t)
		t.Setenv("RETRY_BASE_DELAY", "10s")
		t.Setenv("RETRY_MAX_DELAY", "1s")

		_, err := LoadWorkerConfig(nil)
		requireConfigError(t, err, ErrValidation)
	})
}

func TestResolveSSMParams_PriorityAndBatching(t *testing.T) {
	env := map[string]string{
		"APP_ENV":                       "staging",
		"DATABASE_URL_SSM_PARAM":        "/staging/db/url",
		"AZURE_CLIENT_SECRET_SSM_PARAM": "/staging/azure/client-secret",
		"WEBHOOK_API_KEY":               "already-set-directly",
		"WEBHOOK_API_KEY_SSM_PARAM":     "/staging/webhook/api-key",
		"EMPTY_SSM_PARAM":               "",
	}
	provider := &testSecretProvider{values: map[string]string{
		"/staging/db/url":              "postgres://resolved",
		"/staging/azure/client-secret": "resolved-secret",
		"/staging/webhook/api-key":     "should-not-be-used",
	}}

	require.NoError(t, resolveSSMParams(provider, mapDeps(env)))

	assert.Equal(t, "postgres://resolved", env["DATABASE_URL"])
	assert.Equal(t, "resolved-secret", env["AZURE_CLIENT_SECRET"])
	assert.Equal(t, "already-set-directly", env["WEBHOOK_API_KEY"])
	assert.Equal(t, 1, provider.callCount)
	assert.ElementsMatch(t, []string{"/staging/db/url", "/staging/azure/client-secret"}, provider.calledWith)
}

func TestResolveSSMParams_Failures(t *testing.T) {
	t.Run("nil provider", func(t *testing.T) {
		env := map[string]string{"DATABASE_URL_SSM_PARAM": "/p/db"}
		err := resolveSSMParams(nil, mapDeps(env))
		cfgErr := requireConfigError(t, err, ErrSSMResolution)
		assert.Contains(t, cfgErr.Message, "DATABASE_URL")
	})

	t.Run("provider error", func(t *testing.T) {
		env := map[string]string{"DATABASE_URL_SSM_PARAM": "/p/db"}
		boom := errors.New("throttled")
		err := resolveSSMParams(&testSecretProvider{err: boom}, mapDeps(env))
		requireConfigError(t, err, ErrSSMResolution)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("missing parameter", func(t *testing.T) {
		env := map[string]string{"DATABASE_URL_SSM_PARAM": "/p/db"}
		err := resolveSSMParams(&testSecretProvider{values: map[string]string{}}, mapDeps(env))
		cfgErr := requireConfigError(t, err, ErrSSMResolution)
		assert.Contains(t, cfgErr.Message, "DATABASE_URL")
	})
}

func TestConfigErrorFormat(t *testing.T) {
	plain := &ConfigError{Type: ErrMissingEnv, Message: "WEBHOOK_URL is required"}
	assert.Equal(t, "[MISSING_ENV] WEBHOOK_URL is required", plain.Error())

	inner := errors.New("bad duration")
	wrapped := &ConfigError{Type: ErrParsing, Message: "failed", Err: inner}
	assert.Equal(t, "[PARSING_FAILED] failed: bad duration", wrapped.Error())
	assert.ErrorIs(t, wrapped, inner)
}

func TestNewBuildInfoDefaults(t *testing.T) {
	assert.Equal(t, BuildInfo{Version: "dev", Commit: "none", BuildTime: "unknown"}, NewBuildInfo())
}
