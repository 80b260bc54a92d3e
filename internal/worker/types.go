// Package worker implements the Worker Lifecycle State Machine (spec §4.5):
// spawn -> reserve -> work -> verify -> review -> complete/retry(<=3)/fail,
// polling subtask_runs with FOR UPDATE SKIP LOCKED the way tarsy's
// pkg/queue package claims alert sessions.
package worker

import (
	"context"
	"encoding/json"
)

// MaxAttempts bounds the review-retry loop (spec §4.5).
const MaxAttempts = 3

// State is a subtask_run lifecycle state.
type State string

const (
	StateSpawned     State = "spawned"
	StateReserving   State = "reserving"
	StateWorking     State = "working"
	StateBlocked     State = "blocked"
	StateVerifying   State = "verifying"
	StateUnderReview State = "under_review"
	StateRetry       State = "retry"
	StateApproved    State = "approved"
	StateFailed      State = "failed"
	StateCompleted   State = "completed"
)

// Run is a subtask_runs row: the per-task lifecycle and review status
// (spec's in-memory "Review Status", made durable here so any component can
// resume it after a crash).
type Run struct {
	ID           string
	ProjectKey   string
	CellID       string
	WorkerID     string
	State        State
	AttemptCount int
	Prompt       string
	Paths        []string
	Issues       json.RawMessage
	DeferredURL  string
	ClaimedAtMs  *int64
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

func (r Run) RemainingAttempts() int {
	remaining := MaxAttempts - r.AttemptCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// VerifyStep is one verification hook step (spec §4.5's two-step verify:
// typecheck then per-file test discovery).
type VerifyStep struct {
	Name       string
	Passed     bool
	Skipped    bool
	SkipReason string
	Command    string
	ExitCode   int
	Output     string
}

// VerifyResult aggregates the verify hook's steps. The gate passes iff no
// step failed without being skipped.
type VerifyResult struct {
	Steps []VerifyStep
}

func (v VerifyResult) Passed() bool {
	for _, s := range v.Steps {
		if !s.Passed && !s.Skipped {
			return false
		}
	}
	return true
}

func (v VerifyResult) Blockers() []string {
	var out []string
	for _, s := range v.Steps {
		if !s.Passed && !s.Skipped {
			out = append(out, s.Output)
		}
	}
	return out
}

// Verifier runs domain-specific verification (typecheck, tests) against the
// files a subtask touched. Out of scope per spec §1; modeled as an abstract
// hook so the worker state machine doesn't depend on any particular
// toolchain.
type Verifier interface {
	Verify(ctx context.Context, files []string) (VerifyResult, error)
}

// Executor runs the actual subtask (spawns/drives the out-of-scope LLM
// collaborator). Injected so the state machine has no LLM dependency.
type Executor interface {
	Execute(ctx context.Context, run Run) (filesTouched []string, err error)
}

// ReviewDecision is what the coordinator's review produces.
type ReviewDecision string

const (
	DecisionApproved     ReviewDecision = "approved"
	DecisionNeedsChanges ReviewDecision = "needs_changes"
)

// RetryContext is handed to the coordinator on a needs_changes verdict with
// attempts remaining; it does not message the worker (workers are one-shot
// processes, spec §4.5) — the coordinator consumes it to spawn a fresh one.
type RetryContext struct {
	TaskID      string   `json:"task_id"`
	Attempt     int      `json:"attempt"`
	Issues      []string `json:"issues"`
	MaxAttempts int      `json:"max_attempts"`
	NextAction  string   `json:"next_action"`
}

// ReviewResult is the outcome of SubmitReview.
type ReviewResult struct {
	Attempt           int
	RemainingAttempts int
	Approved          bool
	TaskFailed        bool
	RetryContext      *RetryContext
}
