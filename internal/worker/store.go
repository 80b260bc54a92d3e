package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmlog/swarmlog/internal/apperrors"
)

var ErrNoRunsAvailable = fmt.Errorf("%w: no runs available", apperrors.ErrNotFound)

// Store persists subtask_runs directly (not through the Log Store — the run
// row is poll-claimed scratch state for the state machine, not part of the
// audited event set; the audited trail is the cell_* and subtask_outcome/
// review_feedback events emitted around it).
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Spawn inserts a new run in StateSpawned for cellID. paths are the file
// patterns the subtask is expected to touch, reserved exclusively when the
// run transitions into StateReserving (spec §4.5); deferredURL is optional
// (spec §4.5's "resolve any Deferred associated with the subtask" on
// complete) — pass "" when the subtask has no caller awaiting it.
func (s *Store) Spawn(ctx context.Context, projectKey, cellID, prompt string, paths []string, deferredURL string, nowMs int64) (Run, error) {
	id := uuid.NewString()
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return Run{}, fmt.Errorf("marshal paths: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subtask_runs (id, project_key, cell_id, state, attempt_count, prompt, paths, deferred_url, created_at_ms, updated_at_ms)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)`,
		id, projectKey, cellID, StateSpawned, prompt, pathsJSON, nullIfEmpty(deferredURL), nowMs,
	)
	if err != nil {
		return Run{}, fmt.Errorf("%w: spawn run: %v", apperrors.ErrStorageUnavailable, err)
	}
	return s.Get(ctx, id)
}

// ClaimNext atomically claims the oldest run in StateSpawned or StateRetry
// for workerID, using FOR UPDATE SKIP LOCKED so multiple pollers never claim
// the same row (ported from tarsy's pkg/queue claimNextSession).
func (s *Store) ClaimNext(ctx context.Context, workerID string, nowMs int64) (Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("%w: begin claim: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM subtask_runs
		  WHERE state IN ($1, $2)
		  ORDER BY created_at_ms ASC
		  LIMIT 1
		  FOR UPDATE SKIP LOCKED`,
		StateSpawned, StateRetry,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return Run{}, ErrNoRunsAvailable
	}
	if err != nil {
		return Run{}, fmt.Errorf("%w: claim query: %v", apperrors.ErrStorageUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subtask_runs SET state = $2, worker_id = $3, claimed_at_ms = $4, updated_at_ms = $4 WHERE id = $1`,
		id, StateReserving, workerID, nowMs,
	); err != nil {
		return Run{}, fmt.Errorf("%w: claim update: %v", apperrors.ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("%w: commit claim: %v", apperrors.ErrStorageUnavailable, err)
	}
	return s.Get(ctx, id)
}

// SetState transitions run to state.
func (s *Store) SetState(ctx context.Context, id string, state State, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subtask_runs SET state = $2, updated_at_ms = $3 WHERE id = $1`, id, state, nowMs)
	if err != nil {
		return fmt.Errorf("%w: set state: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

// RecordReview increments (needs_changes) or resets (approved) attempt_count
// and stores issues, returning the updated run.
func (s *Store) RecordReview(ctx context.Context, id string, decision ReviewDecision, issues []string, nowMs int64) (Run, error) {
	run, err := s.Get(ctx, id)
	if err != nil {
		return Run{}, err
	}

	issuesJSON, _ := json.Marshal(issues)
	var newAttempt int
	var newState State
	if decision == DecisionApproved {
		newAttempt = 0
		newState = StateApproved
	} else {
		newAttempt = run.AttemptCount + 1
		if newAttempt >= MaxAttempts {
			newState = StateFailed
		} else {
			newState = StateRetry
		}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE subtask_runs SET state = $2, attempt_count = $3, issues = $4, updated_at_ms = $5 WHERE id = $1`,
		id, newState, newAttempt, issuesJSON, nowMs,
	)
	if err != nil {
		return Run{}, fmt.Errorf("%w: record review: %v", apperrors.ErrStorageUnavailable, err)
	}
	return s.Get(ctx, id)
}

func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	var r Run
	var issues, paths []byte
	var deferredURL sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_key, cell_id, COALESCE(worker_id, ''), state, attempt_count, prompt, paths, issues, deferred_url, claimed_at_ms, created_at_ms, updated_at_ms
		   FROM subtask_runs WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.ProjectKey, &r.CellID, &r.WorkerID, &r.State, &r.AttemptCount, &r.Prompt, &paths, &issues, &deferredURL, &r.ClaimedAtMs, &r.CreatedAtMs, &r.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("%w: run %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("%w: get run: %v", apperrors.ErrStorageUnavailable, err)
	}
	r.Issues = issues
	r.DeferredURL = deferredURL.String
	if len(paths) > 0 {
		if err := json.Unmarshal(paths, &r.Paths); err != nil {
			return Run{}, fmt.Errorf("unmarshal run paths: %w", err)
		}
	}
	return r, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// OrphansOlderThan returns run ids claimed before cutoffMs that are still in
// a non-terminal, non-spawned state — candidates for orphan recovery.
func (s *Store) OrphansOlderThan(ctx context.Context, cutoffMs int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM subtask_runs
		  WHERE claimed_at_ms IS NOT NULL AND claimed_at_ms < $1
		    AND state NOT IN ($2, $3, $4)`,
		cutoffMs, StateCompleted, StateFailed, StateApproved,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: find orphans: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan orphan: %v", apperrors.ErrStorageUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPending returns the number of runs still waiting for a poller
// (spawned or queued for retry) — the queue depth the /health endpoint
// reports.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subtask_runs WHERE state IN ($1, $2)`,
		StateSpawned, StateRetry,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count pending runs: %v", apperrors.ErrStorageUnavailable, err)
	}
	return n, nil
}

// List returns runs for projectKey, optionally filtered to one state, newest
// first, capped at limit. Backs `swarmlogctl queue list`.
func (s *Store) List(ctx context.Context, projectKey string, state State, limit int) ([]Run, error) {
	var rows *sql.Rows
	var err error
	if state != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, project_key, cell_id, COALESCE(worker_id, ''), state, attempt_count, prompt, issues, claimed_at_ms, created_at_ms, updated_at_ms
			   FROM subtask_runs WHERE project_key = $1 AND state = $2 ORDER BY created_at_ms DESC LIMIT $3`,
			projectKey, state, limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, project_key, cell_id, COALESCE(worker_id, ''), state, attempt_count, prompt, issues, claimed_at_ms, created_at_ms, updated_at_ms
			   FROM subtask_runs WHERE project_key = $1 ORDER BY created_at_ms DESC LIMIT $2`,
			projectKey, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var issues []byte
		if err := rows.Scan(&r.ID, &r.ProjectKey, &r.CellID, &r.WorkerID, &r.State, &r.AttemptCount, &r.Prompt, &issues, &r.ClaimedAtMs, &r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("%w: scan run: %v", apperrors.ErrStorageUnavailable, err)
		}
		r.Issues = issues
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Requeue resets a claimed-but-stuck run back to StateRetry so a poller
// picks it up again.
func (s *Store) Requeue(ctx context.Context, id string, nowMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subtask_runs SET state = $2, worker_id = NULL, claimed_at_ms = NULL, updated_at_ms = $3 WHERE id = $1`,
		id, StateRetry, nowMs,
	)
	if err != nil {
		return fmt.Errorf("%w: requeue run: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}
