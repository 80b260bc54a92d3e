package worker

import (
	"context"
	"log/slog"
	"time"
)

// Start spawns config.WorkerCount poller goroutines plus the orphan
// detection loop. Safe to call once; a second call is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if m.started {
		slog.Warn("worker manager already started, ignoring duplicate start", "id", m.id)
		return
	}
	m.started = true

	slog.Info("starting worker pool", "id", m.id, "worker_count", m.config.WorkerCount)
	for i := 0; i < m.config.WorkerCount; i++ {
		p := newPoller(m, i)
		m.pollers = append(m.pollers, p)
		p.start(ctx)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runOrphanDetection(ctx)
	}()
}

// Stop signals every poller to finish its current run and exit, then waits.
func (m *Manager) Stop() {
	slog.Info("stopping worker pool gracefully", "id", m.id)
	if active := m.activeRunIDs(); len(active) > 0 {
		slog.Info("waiting for active runs to complete", "count", len(active), "run_ids", active)
	}
	for _, p := range m.pollers {
		p.stop()
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("worker pool stopped", "id", m.id)
}

// runOrphanDetection periodically requeues runs whose poller died mid-claim
// (claimed_at_ms is stale but the run never reached a terminal state).
func (m *Manager) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(m.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recoverOrphans(ctx)
		}
	}
}

// recoverOrphans requeues any run claimed longer than OrphanThreshold ago
// that never reached a terminal state, releasing whatever file reservations
// its dead worker was still holding first — otherwise those paths stay
// locked under an agent name nothing will ever release again.
func (m *Manager) recoverOrphans(ctx context.Context) {
	cutoff := time.Now().Add(-m.config.OrphanThreshold).UnixMilli()
	ids, err := m.store.OrphansOlderThan(ctx, cutoff)
	if err != nil {
		slog.Warn("orphan scan failed", "error", err)
		return
	}
	for _, id := range ids {
		run, err := m.store.Get(ctx, id)
		if err != nil {
			slog.Warn("failed to load orphaned run", "run_id", id, "error", err)
			continue
		}
		if run.WorkerID != "" {
			if err := m.reservations.Release(ctx, run.ProjectKey, run.WorkerID, nil); err != nil {
				slog.Warn("failed to release orphaned run's reservations", "run_id", id, "worker_id", run.WorkerID, "error", err)
				continue
			}
		}
		if err := m.store.Requeue(ctx, id, time.Now().UnixMilli()); err != nil {
			slog.Warn("failed to requeue orphaned run", "run_id", id, "error", err)
			continue
		}
		slog.Info("requeued orphaned run", "run_id", id)
	}
}
