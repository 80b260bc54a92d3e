package eventlog_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmlog/swarmlog/internal/eventlog"
	util "github.com/swarmlog/swarmlog/test/util"
)

func TestLogStore_SequenceIsPerProjectMonotonic(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	log := eventlog.NewLogStore(db)

	for i := 0; i < 5; i++ {
		evt, err := log.Append(ctx, "proj-a", eventlog.TypeCellCreated, map[string]any{"n": i})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), evt.Sequence)
	}

	// A second project's sequence starts at one independently of proj-a's.
	evt, err := log.Append(ctx, "proj-b", eventlog.TypeCellCreated, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(1), evt.Sequence)

	tailA, err := log.Tail(ctx, "proj-a")
	require.NoError(t, err)
	require.Equal(t, int64(5), tailA)
}

func TestLogStore_AppendIsSerializedUnderConcurrency(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	log := eventlog.NewLogStore(db)

	const writers = 10
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = log.Append(ctx, "proj-race", eventlog.TypeCellCreated, map[string]any{"writer": i})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	events, err := log.Read(ctx, "proj-race", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, writers)

	seen := map[int64]bool{}
	for _, evt := range events {
		require.False(t, seen[evt.Sequence], "sequence %d assigned twice", evt.Sequence)
		seen[evt.Sequence] = true
	}
}

func TestLogStore_ReadIsIncrementalFromSequence(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	log := eventlog.NewLogStore(db)

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, "proj-c", eventlog.TypeCellCreated, map[string]any{"n": i})
		require.NoError(t, err)
	}

	first, err := log.Read(ctx, "proj-c", 0, 100)
	require.NoError(t, err)
	require.Len(t, first, 3)

	more, err := log.Read(ctx, "proj-c", first[len(first)-1].Sequence, 100)
	require.NoError(t, err)
	require.Empty(t, more)

	_, err = log.Append(ctx, "proj-c", eventlog.TypeCellCreated, map[string]any{"n": 3})
	require.NoError(t, err)

	more, err = log.Read(ctx, "proj-c", first[len(first)-1].Sequence, 100)
	require.NoError(t, err)
	require.Len(t, more, 1)
}

func TestLogStore_GetByIDReturnsNotFoundForUnknownID(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	log := eventlog.NewLogStore(db)

	_, err := log.GetByID(ctx, "does-not-exist")
	require.Error(t, err)
}

func TestLogStore_ProjectionRunsInSameTransactionAsAppend(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	log := eventlog.NewLogStore(db)

	var applied []eventlog.Event
	log.RegisterProjection(func(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
		if _, err := tx.ExecContext(ctx, "SELECT 1"); err != nil {
			return err
		}
		applied = append(applied, evt)
		return nil
	})

	evt, err := log.Append(ctx, "proj-d", eventlog.TypeCellCreated, map[string]any{"x": 1})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.Equal(t, evt.ID, applied[0].ID)
}

func TestLogStore_ProjectionErrorRollsBackTheAppend(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	log := eventlog.NewLogStore(db)

	log.RegisterProjection(func(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
		return errors.New("projection exploded")
	})

	_, err := log.Append(ctx, "proj-e", eventlog.TypeCellCreated, map[string]any{})
	require.Error(t, err)

	events, err := log.Read(ctx, "proj-e", 0, 100)
	require.NoError(t, err)
	require.Empty(t, events, "failed projection must roll back the event insert too")
}
