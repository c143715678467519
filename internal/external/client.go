// Package external provides the anti-corruption layer between the recovery
// pipeline and the HTTP APIs it depends on: the ingestion gateway (from the
// agent), Entra ID token issuance and the Azure compute management API. All
// outbound calls are routed through BaseClient, which enforces circuit
// breaking, retries with backoff and error mapping.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"evictguard/internal/retry"
	"evictguard/internal/types"
)

// BaseClient wraps an *http.Client and a circuit breaker to enforce consistent
// resilience patterns on all outbound HTTP calls. Provider clients embed it.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	policy      retry.Policy
	userAgent   string
	sleepFn     retry.SleepFunc
	isRetryable func(status int) bool
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep function used between retries.
// This is intended for testing to avoid real delays.
func WithSleepFunc(fn retry.SleepFunc) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithBreaker replaces the default circuit breaker, e.g. to share one breaker
// between clients or to tune thresholds in tests.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		c.breaker = cb
	}
}

// WithRetryableStatus overrides which response statuses count as failed
// attempts. The policy's Retryable still has the final say.
func WithRetryableStatus(fn func(status int) bool) BaseClientOption {
	return func(c *BaseClient) {
		c.isRetryable = fn
	}
}

// DefaultRetryableStatus retries 429 and every 5xx.
func DefaultRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// NewBreaker returns the circuit breaker settings every client uses by default.
func NewBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

// NewBaseClient creates a BaseClient. policy.MaxAttempts counts the first
// attempt; a value below 1 is treated as 1.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	policy retry.Policy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	bc := &BaseClient{
		client:      httpClient,
		breaker:     NewBreaker(breakerName),
		policy:      policy,
		userAgent:   userAgent,
		sleepFn:     retry.Sleep,
		isRetryable: DefaultRetryableStatus,
	}

	for _, opt := range opts {
		opt(bc)
	}

	return bc
}

// Do executes the HTTP request with:
//  1. Request ID propagation (X-Request-ID from context)
//  2. User-Agent header injection
//  3. Circuit breaker wrapping
//  4. Retry on network errors and retryable statuses while the policy's
//     Retryable accepts the mapped error (respecting Retry-After)
//  5. Error mapping to transient types.AppError codes
//
// Responses with a non-retryable status are returned as-is; the caller maps
// them (see ErrorForStatus) and closes the body.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if requestID := types.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Snapshot the request body so we can replay it on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to read request body for retry support",
				err,
			)
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if c.isRetryable(r.StatusCode) {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp, lastErr = resp, err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if !c.policy.ShouldRetry(c.mapError(ctx, resp, err)) {
			break
		}

		if attempt < c.policy.MaxAttempts-1 {
			if sleepErr := c.sleepFn(ctx, c.computeBackoff(attempt, resp)); sleepErr != nil {
				break
			}
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}

	return nil, c.mapError(ctx, lastResp, lastErr)
}

// computeBackoff determines the wait before the next attempt. A Retry-After
// header wins over the policy, capped at the policy's MaxDelay.
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return min(wait, c.policy.MaxDelay)
		}
	}
	return c.policy.Delay(attempt)
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}

// mapError translates the last failure into a transient AppError.
func (c *BaseClient) mapError(ctx context.Context, resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeTransientCircuitOpen,
			"circuit breaker is open; upstream service unavailable",
			err,
		)
	}

	if resp != nil {
		appErr := ErrorForStatus(resp.StatusCode)
		appErr.Err = err
		return appErr
	}

	if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeTransientTimeout, "upstream request timed out", err)
	}

	return types.NewAppError(types.ErrCodeTransientNetwork, "upstream request failed", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ErrorForStatus classifies an HTTP failure status into the pipeline's error
// taxonomy. Statuses that another attempt may fix are transient; the rest
// are fatal.
func ErrorForStatus(status int) *types.AppError {
	msg := fmt.Sprintf("upstream returned %d", status)
	switch {
	case status == http.StatusRequestTimeout:
		return types.NewAppError(types.ErrCodeTransientTimeout, msg, nil)
	case status == http.StatusConflict:
		return types.NewAppError(types.ErrCodeTransientConflict, msg, nil)
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeTransientThrottled, msg, nil)
	case status >= 500:
		return types.NewAppError(types.ErrCodeTransientUpstream, msg, nil)
	case status == http.StatusUnauthorized:
		return types.NewAppError(types.ErrCodeFatalUnauthenticated, msg, nil)
	case status == http.StatusForbidden:
		return types.NewAppError(types.ErrCodeFatalPermissionDenied, msg, nil)
	case status == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeFatalNotFound, msg, nil)
	default:
		return types.NewAppError(types.ErrCodeFatalRejected, msg, nil)
	}
}
