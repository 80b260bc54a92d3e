package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmlog/swarmlog/internal/cells"
	"github.com/swarmlog/swarmlog/internal/eventlog"
	util "github.com/swarmlog/swarmlog/test/util"
)

func TestStore_SpawnClaimLifecycle(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	log := eventlog.NewLogStore(db)
	cellStore := cells.NewStore(db, log)
	log.RegisterProjection(cells.Projection())

	cell, err := cellStore.Create(ctx, "proj1", "proj1-abcd1234", cells.TypeTask, "do the thing", "", 2, "", "")
	require.NoError(t, err)

	store := NewStore(db)
	run, err := store.Spawn(ctx, "proj1", cell.ID, "implement the thing", nil, "", now)
	require.NoError(t, err)
	require.Equal(t, StateSpawned, run.State)
	require.Equal(t, 0, run.AttemptCount)

	claimed, err := store.ClaimNext(ctx, "worker-0", now)
	require.NoError(t, err)
	require.Equal(t, run.ID, claimed.ID)
	require.Equal(t, StateReserving, claimed.State)
	require.Equal(t, "worker-0", claimed.WorkerID)

	// A second claim attempt finds nothing else to claim.
	_, err = store.ClaimNext(ctx, "worker-1", now)
	require.ErrorIs(t, err, ErrNoRunsAvailable)
}

func TestStore_RecordReview_AttemptCounterMatchesS3S4(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	log := eventlog.NewLogStore(db)
	cellStore := cells.NewStore(db, log)
	log.RegisterProjection(cells.Projection())

	cell, err := cellStore.Create(ctx, "proj1", "proj1-efgh5678", cells.TypeTask, "do another thing", "", 2, "", "")
	require.NoError(t, err)

	store := NewStore(db)
	run, err := store.Spawn(ctx, "proj1", cell.ID, "prompt", nil, "", now)
	require.NoError(t, err)

	// S3: two needs_changes, then a third that exceeds MAX_ATTEMPTS.
	run, err = store.RecordReview(ctx, run.ID, DecisionNeedsChanges, []string{"issue 1"}, now)
	require.NoError(t, err)
	require.Equal(t, StateRetry, run.State)
	require.Equal(t, 1, run.AttemptCount)
	require.Equal(t, 2, run.RemainingAttempts())

	run, err = store.RecordReview(ctx, run.ID, DecisionNeedsChanges, []string{"issue 2"}, now)
	require.NoError(t, err)
	require.Equal(t, StateRetry, run.State)
	require.Equal(t, 2, run.AttemptCount)
	require.Equal(t, 1, run.RemainingAttempts())

	run, err = store.RecordReview(ctx, run.ID, DecisionNeedsChanges, []string{"issue 3"}, now)
	require.NoError(t, err)
	require.Equal(t, StateFailed, run.State)
	require.Equal(t, 0, run.RemainingAttempts())
}

func TestStore_RecordReview_ApprovalResetsCounter(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	log := eventlog.NewLogStore(db)
	cellStore := cells.NewStore(db, log)
	log.RegisterProjection(cells.Projection())

	cell, err := cellStore.Create(ctx, "proj1", "proj1-ijkl9012", cells.TypeTask, "yet another thing", "", 2, "", "")
	require.NoError(t, err)

	store := NewStore(db)
	run, err := store.Spawn(ctx, "proj1", cell.ID, "prompt", nil, "", now)
	require.NoError(t, err)

	run, err = store.RecordReview(ctx, run.ID, DecisionNeedsChanges, []string{"one issue"}, now)
	require.NoError(t, err)
	require.Equal(t, 1, run.AttemptCount)

	run, err = store.RecordReview(ctx, run.ID, DecisionApproved, nil, now)
	require.NoError(t, err)
	require.Equal(t, StateApproved, run.State)
	require.Equal(t, 0, run.AttemptCount)
}
