package reservations_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmlog/swarmlog/internal/coordinator"
	"github.com/swarmlog/swarmlog/internal/eventlog"
	"github.com/swarmlog/swarmlog/internal/reservations"
	util "github.com/swarmlog/swarmlog/test/util"
)

func newEngine(t *testing.T) (*reservations.Engine, *eventlog.LogStore) {
	db := util.SetupTestDatabase(t)
	log := eventlog.NewLogStore(db)
	log.RegisterProjection(reservations.Projection())
	return reservations.NewEngine(db, log), log
}

func TestEngine_ReserveGrantsDisjointPaths(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	result, err := engine.Reserve(ctx, "proj1", "agent-a", []string{"a.go", "b.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a.go", "b.go"}, result.Granted)
	require.Empty(t, result.Conflicts)
}

func TestEngine_ReserveReportsConflictOnExclusiveOverlap(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Reserve(ctx, "proj1", "agent-a", []string{"shared.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)

	result, err := engine.Reserve(ctx, "proj1", "agent-b", []string{"shared.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)
	require.Empty(t, result.Granted)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "agent-a", result.Conflicts[0].HolderAgent)
}

func TestEngine_ReserveMatchesGlobOverlap(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Reserve(ctx, "proj1", "agent-a", []string{"internal/worker/*.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)

	result, err := engine.Reserve(ctx, "proj1", "agent-b", []string{"internal/worker/manager.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)
	require.Empty(t, result.Granted)
	require.Len(t, result.Conflicts, 1)
}

func TestEngine_ReservePartialGrantReportsOnlyTheConflictingPath(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Reserve(ctx, "proj1", "agent-a", []string{"taken.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)

	result, err := engine.Reserve(ctx, "proj1", "agent-b", []string{"taken.go", "free.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)
	require.Equal(t, []string{"free.go"}, result.Granted)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "taken.go", result.Conflicts[0].Path)
}

func TestEngine_ReleaseFreesThePathForTheNextReservation(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Reserve(ctx, "proj1", "agent-a", []string{"x.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)

	require.NoError(t, engine.Release(ctx, "proj1", "agent-a", []string{"x.go"}))

	result, err := engine.Reserve(ctx, "proj1", "agent-b", []string{"x.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)
	require.Equal(t, []string{"x.go"}, result.Granted)
}

func TestEngine_ReclaimExpiredReleasesPastTTL(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Reserve(ctx, "proj1", "agent-a", []string{"y.go"}, reservations.ReserveOptions{Exclusive: true, TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	n, err := engine.ReclaimExpired(ctx, "proj1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	result, err := engine.Reserve(ctx, "proj1", "agent-b", []string{"y.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)
	require.Equal(t, []string{"y.go"}, result.Granted)
}

func TestEngine_ReleaseAllForProjectRequiresCoordinator(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Reserve(ctx, "proj1", "agent-a", []string{"z.go"}, reservations.ReserveOptions{Exclusive: true})
	require.NoError(t, err)

	plain := coordinator.New("session-1")
	err = engine.ReleaseAllForProject(ctx, plain, "proj1")
	require.Error(t, err)

	active, err := engine.ActiveReservations(ctx, "proj1", "")
	require.NoError(t, err)
	require.Len(t, active, 1)

	plain.Elevate()
	require.NoError(t, engine.ReleaseAllForProject(ctx, plain, "proj1"))

	active, err = engine.ActiveReservations(ctx, "proj1", "")
	require.NoError(t, err)
	require.Empty(t, active)
}
