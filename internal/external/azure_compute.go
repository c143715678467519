package external

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"evictguard/internal/retry"
	"evictguard/internal/types"
)

const (
	defaultManagementEndpoint = "https://management.azure.com"
	computeAPIVersion         = "2024-07-01"
	userAgent                 = "evictguard/1.0"
)

// TokenProvider supplies bearer tokens for the management API.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// AzureComputeConfig holds the configuration for AzureComputeClient.
type AzureComputeConfig struct {
	SubscriptionID string
	Endpoint       string // Override for testing; defaults to defaultManagementEndpoint
	Logger         *slog.Logger
}

// AzureComputeClient issues the start action for a virtual machine through
// the Azure Resource Manager API.
type AzureComputeClient struct {
	base           *BaseClient
	tokens         TokenProvider
	subscriptionID string
	endpoint       string
	logger         *slog.Logger
}

// NewAzureComputeClient creates a compute client. It makes a single attempt
// per call: retries are driven by queue redelivery so that each attempt is
// covered by the worker's idempotency claim.
func NewAzureComputeClient(httpClient *http.Client, tokens TokenProvider, cfg AzureComputeConfig) *AzureComputeClient {
	base := NewBaseClient(httpClient, "azure-compute", retry.Policy{MaxAttempts: 1}, userAgent)
	return NewAzureComputeClientWithBase(base, tokens, cfg)
}

// NewAzureComputeClientWithBase creates a compute client over a
// pre-configured BaseClient.
func NewAzureComputeClientWithBase(base *BaseClient, tokens TokenProvider, cfg AzureComputeConfig) *AzureComputeClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultManagementEndpoint
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AzureComputeClient{
		base:           base,
		tokens:         tokens,
		subscriptionID: cfg.SubscriptionID,
		endpoint:       strings.TrimSuffix(endpoint, "/"),
		logger:         logger,
	}
}

// Start requests that the instance be started. 200 and 202 mean the request
// was accepted; other outcomes are returned as classified AppErrors. A 401 is
// retried once with a freshly exchanged token before it is reported as fatal.
func (c *AzureComputeClient) Start(ctx context.Context, resourceGroup, instanceName string) error {
	status, body, err := c.postStart(ctx, resourceGroup, instanceName)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.tokens.Invalidate()
		status, body, err = c.postStart(ctx, resourceGroup, instanceName)
		if err != nil {
			return err
		}
	}

	switch status {
	case http.StatusOK, http.StatusAccepted:
		c.logger.InfoContext(ctx, "start request accepted",
			"resource_group", resourceGroup,
			"vm_name", instanceName,
			"status", status,
		)
		return nil
	default:
		appErr := ErrorForStatus(status)
		appErr.Message = fmt.Sprintf("start %s/%s returned %d: %s", resourceGroup, instanceName, status, truncateBody(body))
		return appErr
	}
}

func (c *AzureComputeClient) postStart(ctx context.Context, resourceGroup, instanceName string) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, err
	}

	startURL := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines/%s/start?api-version=%s",
		c.endpoint,
		url.PathEscape(c.subscriptionID),
		url.PathEscape(resourceGroup),
		url.PathEscape(instanceName),
		computeAPIVersion,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, startURL, nil)
	if err != nil {
		return 0, nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create start request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.base.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, body, nil
}

// DryRunCompute logs start requests instead of calling a provider. It backs
// the local environment and COMPUTE_DRY_RUN.
type DryRunCompute struct {
	Logger *slog.Logger
	// Delay simulates provider latency.
	Delay time.Duration
}

// Start logs the request and succeeds unless ctx ends first.
func (d *DryRunCompute) Start(ctx context.Context, resourceGroup, instanceName string) error {
	if err := retry.Sleep(ctx, d.Delay); err != nil {
		return types.NewAppError(types.ErrCodeTransientTimeout, "dry-run start interrupted", err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "dry-run start",
		"resource_group", resourceGroup,
		"vm_name", instanceName,
	)
	return nil
}
