package worker

import (
	"context"
	"sync"
	"time"

	"github.com/swarmlog/swarmlog/internal/cells"
	"github.com/swarmlog/swarmlog/internal/deferred"
	"github.com/swarmlog/swarmlog/internal/eventlog"
	"github.com/swarmlog/swarmlog/internal/messages"
	"github.com/swarmlog/swarmlog/internal/reservations"
)

// Config tunes the poller pool (spec §4.5). Mirrors tarsy's QueueConfig shape.
type Config struct {
	WorkerCount        int
	PollInterval       time.Duration
	PollIntervalJitter time.Duration
	HeartbeatInterval  time.Duration
	RunTimeout         time.Duration

	// OrphanDetectionInterval is how often recoverOrphans scans for stuck
	// runs. Zero means the withDefaults fallback below.
	OrphanDetectionInterval time.Duration

	// OrphanThreshold is how long a run can sit claimed-but-stalled before
	// it's considered orphaned and requeued.
	OrphanThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.OrphanDetectionInterval <= 0 {
		c.OrphanDetectionInterval = 1 * time.Minute
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = 2 * c.RunTimeout
	}
	return c
}

// Manager owns the subtask_runs poller pool and drives the Worker Lifecycle
// State Machine end to end: reserve -> work -> verify -> under_review, with
// SubmitReview handling the review-retry half of the loop (review.go).
// Structured after tarsy's pkg/queue.WorkerPool/Worker split.
type Manager struct {
	id           string
	config       Config
	store        *Store
	log          *eventlog.LogStore
	cells        *cells.Store
	reservations *reservations.Engine
	deferreds    *deferred.Store
	messages     *messages.Bus
	executor     Executor
	verifier     Verifier

	pollers  []*poller
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	mu         sync.RWMutex
	activeRuns map[string]context.CancelFunc
	busy       map[string]bool
}

func NewManager(
	id string,
	config Config,
	store *Store,
	log *eventlog.LogStore,
	cellStore *cells.Store,
	reservationEngine *reservations.Engine,
	deferredStore *deferred.Store,
	messageBus *messages.Bus,
	executor Executor,
	verifier Verifier,
) *Manager {
	return &Manager{
		id:           id,
		config:       config.withDefaults(),
		store:        store,
		log:          log,
		cells:        cellStore,
		reservations: reservationEngine,
		deferreds:    deferredStore,
		messages:     messageBus,
		executor:     executor,
		verifier:     verifier,
		stopCh:       make(chan struct{}),
		activeRuns:   make(map[string]context.CancelFunc),
		busy:         make(map[string]bool),
	}
}

// markBusy/markIdle track which poller ids are mid-run, for the /health
// endpoint's per-worker status (spec §5).
func (m *Manager) markBusy(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy[workerID] = true
}

func (m *Manager) markIdle(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, workerID)
}

func (m *Manager) isBusy(workerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.busy[workerID]
}

// RegisterRun stores a cancel function so CancelRun can interrupt a run
// mid-flight (e.g. the coordinator tombstones the cell it belongs to).
func (m *Manager) RegisterRun(runID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeRuns[runID] = cancel
}

func (m *Manager) UnregisterRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activeRuns, runID)
}

func (m *Manager) CancelRun(runID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cancel, ok := m.activeRuns[runID]; ok {
		cancel()
		return true
	}
	return false
}

func (m *Manager) activeRunIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.activeRuns))
	for id := range m.activeRuns {
		ids = append(ids, id)
	}
	return ids
}

// WorkerStatus reports one poller's current occupancy for the /health
// endpoint.
type WorkerStatus struct {
	ID   string `json:"id"`
	Busy bool   `json:"busy"`
}

// PoolStatus aggregates the whole pool's state for /health (spec §5: "active
// worker count, per-worker status").
type PoolStatus struct {
	WorkerCount int            `json:"worker_count"`
	QueueDepth  int            `json:"queue_depth"`
	Workers     []WorkerStatus `json:"workers"`
}

// Status reports pool occupancy and pending queue depth.
func (m *Manager) Status(ctx context.Context) (PoolStatus, error) {
	depth, err := m.store.CountPending(ctx)
	if err != nil {
		return PoolStatus{}, err
	}
	workers := make([]WorkerStatus, 0, len(m.pollers))
	for _, p := range m.pollers {
		workers = append(workers, WorkerStatus{ID: p.id, Busy: m.isBusy(p.id)})
	}
	return PoolStatus{
		WorkerCount: len(m.pollers),
		QueueDepth:  depth,
		Workers:     workers,
	}, nil
}
