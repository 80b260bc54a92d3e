package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/swarmlog/swarmlog/internal/cells"
	"github.com/swarmlog/swarmlog/internal/eventlog"
	"github.com/swarmlog/swarmlog/internal/reservations"
)

// poller is a single goroutine polling subtask_runs for claimable work.
// Ported from tarsy's pkg/queue.Worker: claim -> execute -> verify loop with
// heartbeats and jittered poll backoff.
type poller struct {
	id      string
	manager *Manager

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPoller(m *Manager, index int) *poller {
	return &poller{
		id:      fmt.Sprintf("%s-worker-%d", m.id, index),
		manager: m,
		stopCh:  make(chan struct{}),
	}
}

func (p *poller) start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *poller) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *poller) run(ctx context.Context) {
	defer p.wg.Done()
	log := slog.With("worker_id", p.id)
	log.Info("poller started")

	for {
		select {
		case <-p.stopCh:
			log.Info("poller shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, poller shutting down")
			return
		default:
			processed, err := p.pollAndProcess(ctx)
			if err != nil {
				log.Error("error processing run", "error", err)
				p.sleep(time.Second)
				continue
			}
			if !processed {
				p.sleep(p.pollInterval())
			}
		}
	}
}

func (p *poller) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

func (p *poller) pollInterval() time.Duration {
	base := p.manager.config.PollInterval
	jitter := p.manager.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// pollAndProcess claims one run if available and drives it through
// working -> verifying -> under_review (or straight to retry/failed if
// verification itself rejects the attempt). Returns processed=false when
// there was nothing to claim, so the caller backs off instead of erroring.
func (p *poller) pollAndProcess(ctx context.Context) (processed bool, err error) {
	m := p.manager
	now := time.Now().UnixMilli()

	run, err := m.store.ClaimNext(ctx, p.id, now)
	if err != nil {
		if errors.Is(err, ErrNoRunsAvailable) {
			return false, nil
		}
		return false, err
	}

	log := slog.With("run_id", run.ID, "cell_id", run.CellID, "worker_id", p.id)
	log.Info("run claimed")

	m.markBusy(p.id)
	defer m.markIdle(p.id)

	runCtx, cancel := context.WithTimeout(ctx, m.config.RunTimeout)
	defer cancel()
	m.RegisterRun(run.ID, cancel)
	defer m.UnregisterRun(run.ID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	go p.runHeartbeat(heartbeatCtx, run.ID)
	defer cancelHeartbeat()

	blocked, err := p.reserveFiles(runCtx, run)
	if err != nil {
		return true, err
	}
	if blocked {
		log.Info("run blocked on file reservations, requeuing for retry")
		now := time.Now().UnixMilli()
		if err := m.store.SetState(runCtx, run.ID, StateBlocked, now); err != nil {
			return true, err
		}
		if err := m.store.Requeue(runCtx, run.ID, now); err != nil {
			return true, err
		}
		return true, nil
	}

	if err := m.store.SetState(runCtx, run.ID, StateWorking, time.Now().UnixMilli()); err != nil {
		return true, err
	}
	if err := m.cells.WorkStarted(runCtx, run.ProjectKey, run.CellID); err != nil {
		log.Warn("failed to record cell work_started", "error", err)
	}

	files, execErr := m.executor.Execute(runCtx, run)
	if execErr != nil {
		return true, p.handleExecutorFailure(runCtx, run, execErr)
	}

	if err := m.store.SetState(runCtx, run.ID, StateVerifying, time.Now().UnixMilli()); err != nil {
		return true, err
	}
	verifyResult, verifyErr := m.verifier.Verify(runCtx, files)
	if verifyErr != nil {
		return true, p.handleExecutorFailure(runCtx, run, verifyErr)
	}

	if !verifyResult.Passed() {
		return true, p.handleVerifyRejection(runCtx, run, verifyResult)
	}

	if err := m.store.SetState(runCtx, run.ID, StateUnderReview, time.Now().UnixMilli()); err != nil {
		return true, err
	}
	if _, err := m.log.Append(runCtx, run.ProjectKey, eventlog.TypeSubtaskOutcome, map[string]any{
		"run_id":  run.ID,
		"cell_id": run.CellID,
		"outcome": "verified",
	}); err != nil {
		return true, err
	}
	log.Info("run ready for review")
	return true, nil
}

// reserveFiles implements the reserving state (spec §4.5): a run with no
// declared paths skips straight through (nothing to lock). Otherwise it
// requests exclusive reservations on every declared path; a reservation
// with at least one grant proceeds to working holding whatever it got,
// matching spec §4.3's "continue collecting conflicts... do not abort the
// whole request." Only a total loss (every path conflicted) transitions to
// blocked.
func (p *poller) reserveFiles(ctx context.Context, run Run) (blocked bool, err error) {
	if len(run.Paths) == 0 {
		return false, nil
	}
	m := p.manager
	result, err := m.reservations.Reserve(ctx, run.ProjectKey, run.WorkerID, run.Paths, reservations.ReserveOptions{
		Exclusive: true,
		Reason:    fmt.Sprintf("subtask %s (run %s)", run.CellID, run.ID),
		TTL:       m.config.RunTimeout,
	})
	if err != nil {
		return false, err
	}
	if len(result.Granted) > 0 {
		return false, nil
	}
	for _, c := range result.Conflicts {
		if _, err := m.log.Append(ctx, run.ProjectKey, eventlog.TypeFileConflict, map[string]any{
			"run_id":       run.ID,
			"cell_id":      run.CellID,
			"path":         c.Path,
			"holder_agent": c.HolderAgent,
			"holder_id":    c.HolderID,
			"resolution":   "wait",
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// handleExecutorFailure treats an infra-level failure (executor/verifier
// error, context timeout) as a needs_changes verdict so the retry counter
// still bounds it, distinct from a coordinator's actual review rejection.
func (p *poller) handleExecutorFailure(ctx context.Context, run Run, cause error) error {
	m := p.manager
	now := time.Now().UnixMilli()
	updated, err := m.store.RecordReview(ctx, run.ID, DecisionNeedsChanges, []string{cause.Error()}, now)
	if err != nil {
		return err
	}
	if _, err := m.log.Append(ctx, run.ProjectKey, eventlog.TypeSubtaskOutcome, map[string]any{
		"run_id":  run.ID,
		"cell_id": run.CellID,
		"outcome": "execution_error",
		"reason":  cause.Error(),
	}); err != nil {
		return err
	}
	if updated.State == StateFailed {
		return m.cells.SetStatus(ctx, run.ProjectKey, run.CellID, cells.StatusBlocked, "execution failed after max attempts")
	}
	return nil
}

func (p *poller) handleVerifyRejection(ctx context.Context, run Run, result VerifyResult) error {
	m := p.manager
	now := time.Now().UnixMilli()
	updated, err := m.store.RecordReview(ctx, run.ID, DecisionNeedsChanges, result.Blockers(), now)
	if err != nil {
		return err
	}
	if _, err := m.log.Append(ctx, run.ProjectKey, eventlog.TypeSubtaskOutcome, map[string]any{
		"run_id":  run.ID,
		"cell_id": run.CellID,
		"outcome": "verify_failed",
		"issues":  result.Blockers(),
	}); err != nil {
		return err
	}
	if updated.State == StateFailed {
		return m.cells.SetStatus(ctx, run.ProjectKey, run.CellID, cells.StatusBlocked, "verification failed after max attempts")
	}
	return nil
}

func (p *poller) runHeartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(p.manager.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.manager.store.SetState(ctx, runID, StateWorking, time.Now().UnixMilli()); err != nil {
				slog.Warn("heartbeat update failed", "run_id", runID, "error", err)
			}
		}
	}
}
