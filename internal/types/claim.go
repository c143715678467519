package types

import (
	"context"
	"time"
)

// ClaimState is the result of attempting to claim a task for execution.
type ClaimState int

const (
	// ClaimAcquired means the caller now owns the task and must execute it.
	ClaimAcquired ClaimState = iota
	// ClaimCompleted means the task reached a terminal state within the
	// idempotency window. No provider call may be made.
	ClaimCompleted
	// ClaimInFlight means another attempt holds a live claim.
	ClaimInFlight
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimCompleted:
		return "completed"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// ClaimTTLMargin is the minimum by which a claim TTL must outlast the
// provider call it guards, so a claim never expires while the call is live.
const ClaimTTLMargin = 5 * time.Second

// ClaimRequest asks for a task to be claimed.
type ClaimRequest struct {
	TaskID string
	// TTL is how long the claim stays live without Finish or Release.
	TTL time.Duration
	// Window overrides how long a terminal claim suppresses repeats. Zero
	// uses the store's idempotency window.
	Window time.Duration
}

// Claim describes a claim attempt. Token is set for ClaimAcquired and must
// be passed to Release. Remaining is set for ClaimInFlight and tells the
// caller how long the current holder's claim stays live.
type Claim struct {
	State     ClaimState
	Status    TaskStatus
	Token     string
	Remaining time.Duration
}

// ClaimStore provides atomic claim-if-absent semantics keyed by task ID. It
// is the durable record that makes duplicate deliveries safe.
type ClaimStore interface {
	// Claim takes the task unless a live or recently finished claim exists.
	Claim(ctx context.Context, req ClaimRequest) (Claim, error)
	// Finish records a terminal status for the task.
	Finish(ctx context.Context, taskID string, status TaskStatus) error
	// Release drops the live claim identified by token so a redelivery can
	// take it. A claim that has since been taken over is left alone.
	Release(ctx context.Context, taskID, token string) error
}
