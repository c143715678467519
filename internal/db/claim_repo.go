package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"evictguard/internal/types"
)

// ClaimRepository is the Postgres-backed ClaimStore. Claims live in the
// recovery_claims table keyed by task ID; acquisition relies on a single
// INSERT ... ON CONFLICT DO UPDATE so concurrent workers never both win.
type ClaimRepository struct {
	db       DBTX
	owner    string
	window   time.Duration
	now      func() time.Time
	newToken func() string
}

var _ types.ClaimStore = (*ClaimRepository)(nil)

// NewClaimRepository creates a repository. owner identifies this worker in
// the claim rows; window is how long a terminal claim suppresses repeats.
func NewClaimRepository(db DBTX, owner string, window time.Duration) *ClaimRepository {
	return &ClaimRepository{db: db, owner: owner, window: window, now: time.Now, newToken: uuid.NewString}
}

// Claim attempts to take req.TaskID for req.TTL.
//
// The upsert succeeds when no row exists, when a processing claim has
// expired, or when a terminal claim finished before the suppression window.
// Otherwise zero rows are affected and the existing row decides between
// ClaimCompleted and ClaimInFlight.
func (r *ClaimRepository) Claim(ctx context.Context, req types.ClaimRequest) (types.Claim, error) {
	window := req.Window
	if window <= 0 {
		window = r.window
	}
	taskID := req.TaskID
	now := r.now().UTC()
	token := r.newToken()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO recovery_claims (task_id, status, owner, claim_token, claimed_at, expires_at, finished_at)
		 VALUES ($1, 'processing', $2, $3, $4, $5, NULL)
		 ON CONFLICT (task_id) DO UPDATE
		   SET status = 'processing',
		       owner = EXCLUDED.owner,
		       claim_token = EXCLUDED.claim_token,
		       claimed_at = EXCLUDED.claimed_at,
		       expires_at = EXCLUDED.expires_at,
		       finished_at = NULL
		   WHERE (recovery_claims.status = 'processing' AND recovery_claims.expires_at < $4)
		      OR (recovery_claims.status <> 'processing' AND recovery_claims.finished_at < $6)`,
		taskID,
		r.owner,
		token,
		now,
		now.Add(req.TTL),
		now.Add(-window),
	)
	if err != nil {
		return types.Claim{}, types.NewAppError(types.ErrCodeQueueClaimStore, "failed to claim task", err)
	}
	if tag.RowsAffected() > 0 {
		return types.Claim{State: types.ClaimAcquired, Status: types.TaskStatusProcessing, Token: token}, nil
	}

	var (
		status  string
		expires time.Time
	)
	err = r.db.QueryRow(ctx,
		`SELECT status, expires_at FROM recovery_claims WHERE task_id = $1`,
		taskID,
	).Scan(&status, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the two statements; let the redelivery retry.
		return types.Claim{State: types.ClaimInFlight, Status: types.TaskStatusPending}, nil
	}
	if err != nil {
		return types.Claim{}, types.NewAppError(types.ErrCodeQueueClaimStore, "failed to read task claim", err)
	}

	s := types.TaskStatus(status)
	if s.Terminal() {
		return types.Claim{State: types.ClaimCompleted, Status: s}, nil
	}
	return types.Claim{
		State:     types.ClaimInFlight,
		Status:    s,
		Remaining: max(expires.Sub(now), 0),
	}, nil
}

// Finish marks the task terminal. It does not check ownership: once the
// provider call has been made its outcome is recorded regardless of who
// holds the claim.
func (r *ClaimRepository) Finish(ctx context.Context, taskID string, status types.TaskStatus) error {
	if !status.Terminal() {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "finish requires a terminal status", nil).
			WithDetails(map[string]any{"status": string(status)})
	}
	now := r.now().UTC()
	_, err := r.db.Exec(ctx,
		`INSERT INTO recovery_claims (task_id, status, owner, claimed_at, expires_at, finished_at)
		 VALUES ($1, $2, $3, $4, $4, $4)
		 ON CONFLICT (task_id) DO UPDATE
		   SET status = EXCLUDED.status,
		       expires_at = EXCLUDED.finished_at,
		       finished_at = EXCLUDED.finished_at`,
		taskID,
		string(status),
		r.owner,
		now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeQueueClaimStore, "failed to finish task claim", err)
	}
	return nil
}

// Release deletes the live claim on taskID identified by token. A claim
// taken over since, by this or another worker, and terminal claims are left
// untouched.
func (r *ClaimRepository) Release(ctx context.Context, taskID, token string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM recovery_claims
		 WHERE task_id = $1 AND claim_token = $2 AND status = 'processing'`,
		taskID,
		token,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeQueueClaimStore, "failed to release task claim", err)
	}
	return nil
}

// PruneBefore removes terminal claims finished before cutoff and expired
// processing claims. It returns the number of rows removed.
func (r *ClaimRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM recovery_claims
		 WHERE (status <> 'processing' AND finished_at < $1)
		    OR (status = 'processing' AND expires_at < $1)`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune task claims", err)
	}
	return tag.RowsAffected(), nil
}
