package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"evictguard/internal/types"
)

type memoryClaim struct {
	status     types.TaskStatus
	token      string
	expiresAt  time.Time
	finishedAt time.Time
}

// MemoryClaimStore is an in-process ClaimStore guarded by a mutex. It backs
// tests and the local environment; claims do not survive a restart.
type MemoryClaimStore struct {
	window   time.Duration
	now      func() time.Time
	newToken func() string

	mu     sync.Mutex
	claims map[string]*memoryClaim
}

var _ types.ClaimStore = (*MemoryClaimStore)(nil)

// NewMemoryClaimStore creates a store that suppresses repeats of finished
// tasks for window unless a claim asks for a shorter one.
func NewMemoryClaimStore(window time.Duration) *MemoryClaimStore {
	return &MemoryClaimStore{
		window:   window,
		now:      time.Now,
		newToken: uuid.NewString,
		claims:   make(map[string]*memoryClaim),
	}
}

func (s *MemoryClaimStore) Claim(_ context.Context, req types.ClaimRequest) (types.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := req.Window
	if window <= 0 {
		window = s.window
	}

	now := s.now()
	if c, ok := s.claims[req.TaskID]; ok {
		switch {
		case c.status.Terminal() && now.Sub(c.finishedAt) <= window:
			return types.Claim{State: types.ClaimCompleted, Status: c.status}, nil
		case !c.status.Terminal() && c.expiresAt.After(now):
			return types.Claim{
				State:     types.ClaimInFlight,
				Status:    c.status,
				Remaining: c.expiresAt.Sub(now),
			}, nil
		}
	}

	token := s.newToken()
	s.claims[req.TaskID] = &memoryClaim{
		status:    types.TaskStatusProcessing,
		token:     token,
		expiresAt: now.Add(req.TTL),
	}
	return types.Claim{State: types.ClaimAcquired, Status: types.TaskStatusProcessing, Token: token}, nil
}

func (s *MemoryClaimStore) Finish(_ context.Context, taskID string, status types.TaskStatus) error {
	if !status.Terminal() {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "finish requires a terminal status", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.claims[taskID] = &memoryClaim{status: status, expiresAt: now, finishedAt: now}
	return nil
}

func (s *MemoryClaimStore) Release(_ context.Context, taskID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[taskID]; ok && !c.status.Terminal() && c.token == token {
		delete(s.claims, taskID)
	}
	return nil
}

// Status returns the recorded status of taskID, if any.
func (s *MemoryClaimStore) Status(taskID string) (types.TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[taskID]
	if !ok {
		return "", false
	}
	return c.status, true
}
