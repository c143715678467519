// Package notifier delivers eviction events from the agent to the ingestion
// gateway over an authenticated webhook.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"evictguard/internal/external"
	"evictguard/internal/retry"
	"evictguard/internal/types"
)

const (
	userAgent    = "evictguard-agent/1.0"
	breakerName  = "gateway-webhook"
	maxErrorBody = 512
)

// webhookPayload is the gateway's request body.
type webhookPayload struct {
	ResourceGroup string `json:"resourceGroup"`
	VMName        string `json:"vmName"`
	EventID       string `json:"eventId,omitempty"`
}

// Config configures a Client.
type Config struct {
	WebhookURL string
	APIKey     types.SecretString
	Policy     retry.Policy
	Logger     types.Logger
}

// Client is the webhook Notifier.
type Client struct {
	base   *external.BaseClient
	url    string
	apiKey types.SecretString
	logger types.Logger
}

// New creates a Client. httpClient carries the per-request timeout; a zero
// Policy uses retry.NotifyPolicy.
func New(httpClient *http.Client, cfg Config, opts ...external.BaseClientOption) *Client {
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.NotifyPolicy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &Client{
		base:   external.NewBaseClient(httpClient, breakerName, policy, userAgent, opts...),
		url:    cfg.WebhookURL,
		apiKey: cfg.APIKey,
		logger: logger,
	}
}

// Notify posts event to the gateway. Network errors, timeouts, 429 and 5xx
// are retried per the policy; exhausting it yields a transient error. 401
// and 400 are not retried.
func (c *Client) Notify(ctx context.Context, event types.EvictionEvent) error {
	body, err := json.Marshal(webhookPayload{
		ResourceGroup: event.ResourceGroup,
		VMName:        event.InstanceName,
		EventID:       event.EventID,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode webhook payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey.Unmask())

	c.logger.Info("sending eviction notification",
		"event_id", event.EventID,
		"event_type", event.EventType,
	)

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Info("webhook accepted", "status", resp.StatusCode)
		return nil
	}

	reason := readReason(resp.Body)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "gateway rejected the webhook credential", nil).
			WithDetails(map[string]any{"reason": reason})
	case http.StatusBadRequest:
		return types.NewAppError(types.ErrCodeValidationInvalidType, "gateway rejected the payload", nil).
			WithDetails(map[string]any{"reason": reason})
	default:
		appErr := external.ErrorForStatus(resp.StatusCode)
		return appErr.WithDetails(map[string]any{"reason": reason})
	}
}

// CheckHealth probes the gateway's /health endpoint on the webhook host.
func (c *Client) CheckHealth(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidType, "invalid webhook url", err)
	}
	u.Path = healthPath(u.Path)
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build health request", err)
	}
	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return external.ErrorForStatus(resp.StatusCode)
	}
	return nil
}

// healthPath swaps the final /webhook segment for /health.
func healthPath(p string) string {
	if base, ok := strings.CutSuffix(strings.TrimRight(p, "/"), "/webhook"); ok {
		return base + "/health"
	}
	return "/health"
}

func readReason(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
