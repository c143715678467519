package config

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvKeyForPath(t *testing.T) {
	assert.Equal(t, "DEV_EVICTGUARD_WEBHOOK_API_KEY", envKeyForPath("/dev/evictguard/webhook-api-key"))
	assert.Equal(t, "PLAIN", envKeyForPath("plain"))
}

func TestEnvVarProvider_GetParametersBatch(t *testing.T) {
	env := map[string]string{"DEV_DB_URL": "postgres://local", "DEV_EMPTY": ""}
	p := &EnvVarProvider{lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}

	got, err := p.GetParametersBatch(context.Background(), []string{"/dev/db/url", "/dev/empty", "/dev/missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/dev/db/url": "postgres://local", "/dev/empty": ""}, got)
}

type fakeSSMClient struct {
	calls   [][]string
	invalid []string
}

func (f *fakeSSMClient) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.calls = append(f.calls, in.Names)
	out := &ssm.GetParametersOutput{}
	for _, name := range in.Names {
		if contains(f.invalid, name) {
			out.InvalidParameters = append(out.InvalidParameters, name)
			continue
		}
		out.Parameters = append(out.Parameters, ssmtypes.Parameter{
			Name:  aws.String(name),
			Value: aws.String("value-of-" + name),
		})
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestSSMProvider_BatchesByTen(t *testing.T) {
	client := &fakeSSMClient{}
	p := NewSSMProvider("us-east-1", withSSMClient(client))

	keys := make([]string, 12)
	for i := range keys {
		keys[i] = fmt.Sprintf("/dev/p%d", i)
	}

	got, err := p.GetParametersBatch(context.Background(), keys)
	require.NoError(t, err)
	require.Len(t, client.calls, 2)
	assert.Len(t, client.calls[0], 10)
	assert.Len(t, client.calls[1], 2)
	assert.Equal(t, "value-of-/dev/p11", got["/dev/p11"])
}

func TestSSMProvider_InvalidParameters(t *testing.T) {
	client := &fakeSSMClient{invalid: []string{"/dev/missing"}}
	p := NewSSMProvider("us-east-1", withSSMClient(client))

	_, err := p.GetParametersBatch(context.Background(), []string{"/dev/ok", "/dev/missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/missing")
}

func TestSSMProvider_EmptyKeysSkipsClient(t *testing.T) {
	client := &fakeSSMClient{}
	p := NewSSMProvider("us-east-1", withSSMClient(client))

	got, err := p.GetParametersBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, client.calls)
}

func TestSSMProvider_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeSSMClient{}
	p := NewSSMProvider("us-east-1", withSSMClient(client))

	_, err := p.GetParametersBatch(ctx, []string{"/dev/a"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.calls)
}

func TestNewSecretProviderFromEnv(t *testing.T) {
	t.Setenv("SECRET_PROVIDER", SecretProviderEnv)
	assert.IsType(t, &EnvVarProvider{}, NewSecretProviderFromEnv())

	t.Setenv("SECRET_PROVIDER", "")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ENDPOINT_URL", "http://localhost:4566")
	p, ok := NewSecretProviderFromEnv().(*SSMProvider)
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", p.region)
	assert.Equal(t, "http://localhost:4566", p.endpoint)
}
