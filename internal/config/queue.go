package config

import "time"

// QueueConfig controls how the worker pool polls, claims, and times out
// subtasks. Direct structural descendant of tarsy's queue tuning knobs,
// renamed to this system's worker/subtask vocabulary.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines in this process.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentSubtasks is the global limit on subtasks being worked
	// across the whole project, enforced by a COUNT(*) check against the
	// cells projection.
	MaxConcurrentSubtasks int `yaml:"max_concurrent_subtasks"`

	// PollInterval is the base interval for checking the subtask queue.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is random jitter added to PollInterval so workers
	// in the same process don't all wake at once.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// SubtaskTimeout is the maximum time a single worker attempt may run.
	SubtaskTimeout time.Duration `yaml:"subtask_timeout"`

	// GracefulShutdownTimeout bounds how long Stop() waits for in-flight
	// subtasks to finish.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// OrphanDetectionInterval is how often the orphan scan runs.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a worker can go without a heartbeat
	// before its subtask is considered orphaned and reclaimed.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`
}

// DefaultQueueConfig returns the built-in defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		MaxConcurrentSubtasks:   5,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		SubtaskTimeout:          15 * time.Minute,
		GracefulShutdownTimeout: 15 * time.Minute,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
	}
}
