package worker

import (
	"context"
	"fmt"

	"github.com/swarmlog/swarmlog/internal/apperrors"
	"github.com/swarmlog/swarmlog/internal/cells"
	"github.com/swarmlog/swarmlog/internal/eventlog"
	"github.com/swarmlog/swarmlog/internal/messages"
)

// SubmitReview applies a coordinator's review verdict to run (spec §4.5,
// scenarios S3/S4): attempt_count increments on needs_changes and resets on
// approved. Every verdict is logged as a review_feedback event (audit
// trail). needs_changes with attempts remaining returns a RetryContext for
// the coordinator to act on and sends no message. Once attempt_count reaches
// MaxAttempts the run fails and a subtask_outcome event is appended.
func (s *Manager) SubmitReview(ctx context.Context, runID string, decision ReviewDecision, issues []string, nowMs int64) (ReviewResult, error) {
	if decision != DecisionApproved && decision != DecisionNeedsChanges {
		return ReviewResult{}, apperrors.NewValidationError("decision", "must be approved or needs_changes")
	}

	before, err := s.store.Get(ctx, runID)
	if err != nil {
		return ReviewResult{}, err
	}

	run, err := s.store.RecordReview(ctx, runID, decision, issues, nowMs)
	if err != nil {
		return ReviewResult{}, err
	}

	if _, err := s.log.Append(ctx, run.ProjectKey, eventlog.TypeReviewFeedback, map[string]any{
		"run_id":   run.ID,
		"cell_id":  run.CellID,
		"decision": string(decision),
		"issues":   issues,
		"attempt":  before.AttemptCount,
	}); err != nil {
		return ReviewResult{}, err
	}

	result := ReviewResult{Attempt: before.AttemptCount + 1}

	switch run.State {
	case StateApproved:
		result.Approved = true
		result.RemainingAttempts = MaxAttempts
		if err := s.completeApproved(ctx, run, nowMs); err != nil {
			return ReviewResult{}, err
		}
	case StateFailed:
		result.TaskFailed = true
		result.RemainingAttempts = 0
		if _, err := s.log.Append(ctx, run.ProjectKey, eventlog.TypeSubtaskOutcome, map[string]any{
			"run_id":  run.ID,
			"cell_id": run.CellID,
			"outcome": "failed",
			"reason":  "max_attempts_exceeded",
		}); err != nil {
			return ReviewResult{}, err
		}
		if err := s.cells.SetStatus(ctx, run.ProjectKey, run.CellID, cells.StatusBlocked, "subtask failed review after max attempts"); err != nil {
			return ReviewResult{}, err
		}
	case StateRetry:
		result.RemainingAttempts = run.RemainingAttempts()
		result.RetryContext = &RetryContext{
			TaskID:      run.CellID,
			Attempt:     run.AttemptCount,
			Issues:      issues,
			MaxAttempts: MaxAttempts,
			NextAction:  "spawn_retry",
		}
	default:
		return ReviewResult{}, fmt.Errorf("%w: unexpected post-review state %s", apperrors.ErrFatal, run.State)
	}

	return result, nil
}

// completeApproved performs spec §4.5's complete sequence: release every
// reservation the worker held, close the cell, resolve any Deferred the
// subtask's caller is awaiting, and send the coordinator an audit-trail
// message (approved feedback IS messaged, unlike needs_changes).
func (s *Manager) completeApproved(ctx context.Context, run Run, nowMs int64) error {
	if err := s.store.SetState(ctx, run.ID, StateCompleted, nowMs); err != nil {
		return err
	}
	if _, err := s.log.Append(ctx, run.ProjectKey, eventlog.TypeSubtaskOutcome, map[string]any{
		"run_id":  run.ID,
		"cell_id": run.CellID,
		"outcome": "approved",
	}); err != nil {
		return err
	}
	if err := s.reservations.Release(ctx, run.ProjectKey, run.WorkerID, nil); err != nil {
		return err
	}
	if err := s.cells.SetStatus(ctx, run.ProjectKey, run.CellID, cells.StatusClosed, "subtask approved"); err != nil {
		return err
	}
	if run.DeferredURL != "" {
		if err := s.deferreds.Resolve(ctx, run.DeferredURL, map[string]any{
			"run_id":  run.ID,
			"cell_id": run.CellID,
			"status":  "approved",
		}, ""); err != nil {
			return fmt.Errorf("resolve subtask deferred: %w", err)
		}
	}
	return s.notifyCoordinatorApproved(ctx, run)
}

// notifyCoordinatorApproved sends the audit-trail message spec §4.5 requires
// on approval ("Approved feedback IS sent as a message"), addressed to the
// cell's assignee (the coordinator that spawned it) or a well-known fallback
// name for single-coordinator deployments where no assignee was set.
func (s *Manager) notifyCoordinatorApproved(ctx context.Context, run Run) error {
	if s.messages == nil {
		return nil
	}
	to := "coordinator"
	if cell, err := s.cells.Get(ctx, run.ProjectKey, run.CellID, 0); err == nil && cell.Assignee != "" {
		to = cell.Assignee
	}
	_, err := s.messages.Send(ctx, run.ProjectKey, run.WorkerID, []string{to},
		fmt.Sprintf("subtask %s approved", run.CellID),
		fmt.Sprintf("run %s for cell %s passed review and was completed.", run.ID, run.CellID),
		"", messages.ImportanceNormal, false,
	)
	return err
}
