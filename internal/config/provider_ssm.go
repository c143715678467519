package config

import (
	"context"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmMaxBatchSize is the maximum number of parameters that can be retrieved
// in a single SSM GetParameters API call. This is an AWS service limit.
const ssmMaxBatchSize = 10

// ssmClient is the subset of the SSM SDK client used by SSMProvider.
// This interface enables testing with a mock client.
type ssmClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider implements SecretProvider by resolving secret values from
// AWS Systems Manager (SSM) Parameter Store, where the deployed environments
// keep WEBHOOK_API_KEY, DATABASE_URL and the Azure client secret as
// SecureString parameters.
//
// It performs batch GetParameters calls with decryption, respecting the
// SSM API limit of 10 parameters per request. Context cancellation is
// checked between batches.
type SSMProvider struct {
	// region is the AWS region where SSM parameters are stored.
	region string

	// endpoint overrides the SSM endpoint (LocalStack). Empty in prod.
	endpoint string

	// client is the SSM API client. If nil, a new client is created
	// lazily using the configured region.
	client ssmClient
}

// SSMOption configures an SSMProvider.
type SSMOption func(*SSMProvider)

// WithSSMEndpoint points the provider at a non-default endpoint. An empty
// value keeps the SDK default.
func WithSSMEndpoint(endpoint string) SSMOption {
	return func(p *SSMProvider) { p.endpoint = endpoint }
}

// withSSMClient injects an SSM client. Used by tests.
func withSSMClient(client ssmClient) SSMOption {
	return func(p *SSMProvider) { p.client = client }
}

// NewSSMProvider creates a new SSMProvider for the region where the
// parameters are stored.
func NewSSMProvider(region string, opts ...SSMOption) *SSMProvider {
	p := &SSMProvider{region: region}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ensureClient initializes the SSM client if it has not been created yet.
// Uses the AWS SDK default config loader with the configured region.
func (p *SSMProvider) ensureClient(ctx context.Context) error {
	if p.client != nil {
		return nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(p.region),
	)
	if err != nil {
		return fmt.Errorf("loading AWS config for SSM (region=%s): %w", p.region, err)
	}

	p.client = ssm.NewFromConfig(cfg, func(o *ssm.Options) {
		if p.endpoint != "" {
			o.BaseEndpoint = aws.String(p.endpoint)
		}
	})
	return nil
}

// GetParametersBatch retrieves the given parameter paths with decryption,
// ten per GetParameters call (SSM API limit). Parameters SSM reports as
// invalid are collected across all batches and returned as one error.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return make(map[string]string), nil
	}

	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	result := make(map[string]string, len(keys))
	var invalid []string

	for batch := range slices.Chunk(keys, ssmMaxBatchSize) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during SSM parameter retrieval: %w", err)
		}

		output, err := p.client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          batch,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("SSM GetParameters failed (%d of %d resolved): %w",
				len(result), len(keys), err)
		}

		for _, param := range output.Parameters {
			if param.Name != nil && param.Value != nil {
				result[*param.Name] = *param.Value
			}
		}
		invalid = append(invalid, output.InvalidParameters...)
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("SSM parameters not found: %v", invalid)
	}
	return result, nil
}
