package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"evictguard/internal/retry"
	"evictguard/internal/types"
)

const (
	defaultAuthorityHost = "https://login.microsoftonline.com"
	managementScope      = "https://management.azure.com/.default"

	// tokenRefreshMargin is how long before expiry a cached token is replaced.
	tokenRefreshMargin = 2 * time.Minute
)

// AzureCredentials identifies the service principal used for compute calls.
type AzureCredentials struct {
	TenantID      string
	ClientID      string
	ClientSecret  types.SecretString
	AuthorityHost string // Override for testing; defaults to defaultAuthorityHost
	Scope         string // Defaults to managementScope
}

type azureTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// AzureTokenSource performs the client-credential exchange against Entra ID
// and caches the access token until shortly before it expires. It is safe
// for concurrent use; concurrent callers share one refresh.
type AzureTokenSource struct {
	base  *BaseClient
	creds AzureCredentials
	now   func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewAzureTokenSource creates a token source. The http client timeout bounds
// each exchange.
func NewAzureTokenSource(httpClient *http.Client, creds AzureCredentials) *AzureTokenSource {
	base := NewBaseClient(
		httpClient,
		"azure-token",
		retry.Policy{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2},
		userAgent,
	)
	return NewAzureTokenSourceWithBase(base, creds)
}

// NewAzureTokenSourceWithBase creates a token source over a pre-configured
// BaseClient, e.g. one with retries disabled in tests.
func NewAzureTokenSourceWithBase(base *BaseClient, creds AzureCredentials) *AzureTokenSource {
	if creds.AuthorityHost == "" {
		creds.AuthorityHost = defaultAuthorityHost
	}
	if creds.Scope == "" {
		creds.Scope = managementScope
	}
	creds.AuthorityHost = strings.TrimSuffix(creds.AuthorityHost, "/")
	return &AzureTokenSource{base: base, creds: creds, now: time.Now}
}

// Token returns a valid access token, exchanging credentials when the cached
// token is missing or within tokenRefreshMargin of expiry. A rejected
// exchange (4xx) is fatal: retrying with the same credentials cannot help.
func (s *AzureTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiresAt.Add(-tokenRefreshMargin)) {
		return s.token, nil
	}

	tok, err := s.exchange(ctx)
	if err != nil {
		return "", err
	}
	s.token = tok.AccessToken
	s.expiresAt = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return s.token, nil
}

// Invalidate drops the cached token so the next Token call re-exchanges.
func (s *AzureTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func (s *AzureTokenSource) exchange(ctx context.Context) (*azureTokenResponse, error) {
	params := url.Values{}
	params.Set("grant_type", "client_credentials")
	params.Set("client_id", s.creds.ClientID)
	params.Set("client_secret", s.creds.ClientSecret.Unmask())
	params.Set("scope", s.creds.Scope)

	tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", s.creds.AuthorityHost, url.PathEscape(s.creds.TenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		appErr := ErrorForStatus(resp.StatusCode)
		if !appErr.Code.Transient() {
			// The token endpoint answers 400 for bad secrets and unknown clients.
			appErr.Code = types.ErrCodeFatalUnauthenticated
		}
		appErr.Message = fmt.Sprintf("token exchange failed (%d): %s", resp.StatusCode, truncateBody(body))
		return nil, appErr
	}

	var tok azureTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, types.NewAppError(types.ErrCodeTransientUpstream, "failed to decode token response", err)
	}
	if tok.AccessToken == "" {
		return nil, types.NewAppError(types.ErrCodeFatalUnauthenticated, "token endpoint returned empty access token", nil)
	}
	return &tok, nil
}

func truncateBody(body []byte) string {
	const maxLen = 200
	s := string(body)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
