package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmlog/swarmlog/internal/cells"
	"github.com/swarmlog/swarmlog/internal/deferred"
	"github.com/swarmlog/swarmlog/internal/eventlog"
	"github.com/swarmlog/swarmlog/internal/messages"
	"github.com/swarmlog/swarmlog/internal/reservations"
	"github.com/swarmlog/swarmlog/internal/worker"
	util "github.com/swarmlog/swarmlog/test/util"
)

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, run worker.Run) ([]string, error) { return nil, nil }

type noopVerifier struct{}

func (noopVerifier) Verify(ctx context.Context, files []string) (worker.VerifyResult, error) {
	return worker.VerifyResult{}, nil
}

// TestSubmitReview_ApprovedReleasesClosesResolvesAndNotifies exercises the
// full complete() sequence spec §4.5 describes: release reservations, close
// the cell, resolve the subtask's deferred, and send the coordinator an
// audit-trail message — not just flip a status flag.
func TestSubmitReview_ApprovedReleasesClosesResolvesAndNotifies(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	log := eventlog.NewLogStore(db)
	cellStore := cells.NewStore(db, log)
	reservationEngine := reservations.NewEngine(db, log)
	deferredStore := deferred.NewStore(db)
	messageBus := messages.NewBus(db, log)
	log.RegisterProjection(cells.Projection())
	log.RegisterProjection(reservations.Projection())
	log.RegisterProjection(messages.Projection())

	cell, err := cellStore.Create(ctx, "proj1", "proj1-review1", cells.TypeTask, "ship the thing", "", 2, "", "coordinator-1")
	require.NoError(t, err)

	deferredURL, err := deferredStore.Create(ctx, "proj1", time.Hour)
	require.NoError(t, err)

	store := worker.NewStore(db)
	spawned, err := store.Spawn(ctx, "proj1", cell.ID, "implement it", []string{"src/a.go"}, deferredURL, now)
	require.NoError(t, err)

	// Simulate the reserving/working/verifying states a poller would have
	// driven the run through: claim it (assigns worker_id), then hold the
	// declared path exclusively, the way reserveFiles does mid-poll.
	run, err := store.ClaimNext(ctx, "worker-1", now)
	require.NoError(t, err)
	require.Equal(t, spawned.ID, run.ID)

	reserveResult, err := reservationEngine.Reserve(ctx, "proj1", run.WorkerID, run.Paths, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)
	require.ElementsMatch(t, run.Paths, reserveResult.Granted)
	require.NoError(t, store.SetState(ctx, run.ID, worker.StateUnderReview, now))

	manager := worker.NewManager("test-manager", worker.Config{}, store, log, cellStore, reservationEngine, deferredStore, messageBus, noopExecutor{}, noopVerifier{})

	result, err := manager.SubmitReview(ctx, run.ID, worker.DecisionApproved, nil, time.Now().UnixMilli())
	require.NoError(t, err)
	require.True(t, result.Approved)
	require.Equal(t, 1, result.Attempt) // first review, no prior needs_changes

	active, err := reservationEngine.ActiveReservations(ctx, "proj1", "worker-1")
	require.NoError(t, err)
	require.Empty(t, active, "reservations held by the worker must be released on approval")

	closedCell, err := cellStore.Get(ctx, "proj1", cell.ID, 0)
	require.NoError(t, err)
	require.Equal(t, cells.StatusClosed, closedCell.Status)

	value, resolveErr, err := deferredStore.Await(ctx, deferredURL, time.Second)
	require.NoError(t, err)
	require.Empty(t, resolveErr)
	require.Contains(t, string(value), "approved")

	inbox, err := messageBus.Inbox(ctx, "proj1", "coordinator-1", 5, false)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Contains(t, inbox[0].Subject, cell.ID)
}
