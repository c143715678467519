package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"evictguard/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestClaimRepo(db DBTX) *ClaimRepository {
	repo := NewClaimRepository(db, "worker-a", time.Hour)
	repo.now = func() time.Time { return testNow }
	repo.newToken = func() string { return "tok-1" }
	return repo
}

func existingClaim(status string, expires time.Time) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = status
		*dest[1].(*time.Time) = expires
		return nil
	}}
}

// ============================================================
// Claim
// ============================================================

func TestClaimRepository_Claim_Acquired(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		if len(args) != 6 {
			return false
		}
		claimedAt, ok1 := args[3].(time.Time)
		expiresAt, ok2 := args[4].(time.Time)
		windowStart, ok3 := args[5].(time.Time)
		return ok1 && ok2 && ok3 &&
			args[0] == "rt_abc" && args[1] == "worker-a" && args[2] == "tok-1" &&
			expiresAt.Sub(claimedAt) == time.Minute &&
			claimedAt.Sub(windowStart) == time.Hour
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	claim, err := repo.Claim(ctx, types.ClaimRequest{TaskID: "rt_abc", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, types.ClaimAcquired, claim.State)
	assert.Equal(t, "tok-1", claim.Token)
	db.AssertExpectations(t)
	db.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}

func TestClaimRepository_Claim_RequestWindowOverridesDefault(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		if len(args) != 6 {
			return false
		}
		windowStart, ok := args[5].(time.Time)
		return ok && testNow.Sub(windowStart) == 5*time.Minute
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	_, err := repo.Claim(ctx, types.ClaimRequest{TaskID: "rt_abc", TTL: time.Minute, Window: 5 * time.Minute})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestClaimRepository_Claim_InFlight(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"rt_abc"}).
		Return(existingClaim("processing", testNow.Add(40*time.Second)))

	claim, err := repo.Claim(ctx, types.ClaimRequest{TaskID: "rt_abc", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, types.ClaimInFlight, claim.State)
	assert.Equal(t, 40*time.Second, claim.Remaining)
	db.AssertExpectations(t)
}

func TestClaimRepository_Claim_TerminalWithinWindow(t *testing.T) {
	for _, status := range []string{"completed", "failed"} {
		t.Run(status, func(t *testing.T) {
			db := new(mockDBTX)
			repo := newTestClaimRepo(db)
			ctx := context.Background()

			db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
				Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
			db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
				Return(existingClaim(status, testNow.Add(-time.Minute)))

			claim, err := repo.Claim(ctx, types.ClaimRequest{TaskID: "rt_abc", TTL: time.Minute})
			require.NoError(t, err)
			assert.Equal(t, types.ClaimCompleted, claim.State)
			assert.Equal(t, types.TaskStatus(status), claim.Status)
		})
	}
}

func TestClaimRepository_Claim_RowVanished(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	claim, err := repo.Claim(ctx, types.ClaimRequest{TaskID: "rt_abc", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, types.ClaimInFlight, claim.State)
	assert.Zero(t, claim.Remaining)
}

func TestClaimRepository_Claim_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.Claim(ctx, types.ClaimRequest{TaskID: "rt_abc", TTL: time.Minute})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeQueueClaimStore, appErr.Code)
}

func TestClaimRepository_Claim_ReadError(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.Claim(ctx, types.ClaimRequest{TaskID: "rt_abc", TTL: time.Minute})
	assert.Equal(t, types.ErrCodeQueueClaimStore, types.CodeOf(err))
}

// ============================================================
// Finish / Release
// ============================================================

func TestClaimRepository_Finish(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"rt_abc", "completed", "worker-a", testNow}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Finish(ctx, "rt_abc", types.TaskStatusCompleted))
	db.AssertExpectations(t)
}

func TestClaimRepository_Finish_RejectsNonTerminal(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)

	err := repo.Finish(context.Background(), "rt_abc", types.TaskStatusProcessing)
	require.Error(t, err)
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestClaimRepository_Release(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "claim_token = $2")
	}), []any{"rt_abc", "tok-1"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)

	require.NoError(t, repo.Release(ctx, "rt_abc", "tok-1"))
	db.AssertExpectations(t)
}

func TestClaimRepository_Release_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("timeout"))

	err := repo.Release(ctx, "rt_abc", "tok-1")
	assert.Equal(t, types.ErrCodeQueueClaimStore, types.CodeOf(err))
}

func TestClaimRepository_PruneBefore(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestClaimRepo(db)
	ctx := context.Background()
	cutoff := testNow.Add(-24 * time.Hour)

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{cutoff}).
		Return(pgconn.NewCommandTag("DELETE 7"), nil)

	n, err := repo.PruneBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestEnsureSchema(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()

	db.On("Exec", ctx, Schema, []any(nil)).
		Return(pgconn.NewCommandTag("CREATE TABLE"), nil).Once()
	require.NoError(t, EnsureSchema(ctx, db))

	db.On("Exec", ctx, Schema, []any(nil)).
		Return(pgconn.CommandTag{}, errors.New("permission denied"))
	err := EnsureSchema(ctx, db)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}
