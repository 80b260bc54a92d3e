package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmlog/swarmlog/internal/eventlog"
)

var (
	logLevelFlag  string
	logModuleFlag string
	logSinceFlag  string
	logWatchFlag  bool
)

// logCmd tails the event log with the level/module/since/watch filters
// from spec §6. There is no dedicated "level" column on events (spec §3's
// Event has no severity field); level is derived from the event's type the
// same way a structured logger derives severity from call site: outcomes
// and violations are "error"/"warn", everything else is "info". "module" is
// the first underscore-delimited segment of the type (agent, message,
// reservation, cell, subtask, review, coordinator, thread, file).
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Tail the event log with level/module/time filters",
	RunE:  runLog,
}

func init() {
	logCmd.Flags().StringVar(&logLevelFlag, "level", "", "filter by derived level (info, warn, error)")
	logCmd.Flags().StringVar(&logModuleFlag, "module", "", "filter by event type module prefix (e.g. cell, reservation)")
	logCmd.Flags().StringVar(&logSinceFlag, "since", "", "only show events newer than this (e.g. 30s, 5m, 2h, 1d)")
	logCmd.Flags().BoolVar(&logWatchFlag, "watch", false, "keep streaming new events until interrupted")
	rootCmd.AddCommand(logCmd)
}

func eventLevel(evt eventlog.Event) string {
	switch evt.Type {
	case eventlog.TypeCoordinatorViolation, eventlog.TypeFileConflict:
		return "error"
	case eventlog.TypeSubtaskOutcome:
		switch evt.Data["outcome"] {
		case "failed", "execution_error", "verify_failed":
			return "warn"
		}
		return "info"
	case eventlog.TypeReviewFeedback:
		if decision, ok := evt.Data["decision"].(string); ok && decision == "needs_changes" {
			return "warn"
		}
		return "info"
	default:
		return "info"
	}
}

func eventModule(evt eventlog.Event) string {
	if i := strings.IndexByte(evt.Type, '_'); i > 0 {
		return evt.Type[:i]
	}
	return evt.Type
}

// parseSince parses a duration of the form {N}{s|m|h|d}, the unit set spec
// §6 names (time.ParseDuration doesn't accept "d").
func parseSince(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	unit := s[len(s)-1:]
	numPart := s[:len(s)-1]
	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid --since value %q: %w", s, err)
	}
	switch unit {
	case "s":
		return time.Duration(n * float64(time.Second)), nil
	case "m":
		return time.Duration(n * float64(time.Minute)), nil
	case "h":
		return time.Duration(n * float64(time.Hour)), nil
	case "d":
		return time.Duration(n * float64(24*time.Hour)), nil
	default:
		return 0, fmt.Errorf("invalid --since unit %q: want one of s, m, h, d", unit)
	}
}

func matchesFilters(evt eventlog.Event, sinceMs int64) bool {
	if sinceMs > 0 && evt.Timestamp < sinceMs {
		return false
	}
	if logLevelFlag != "" && eventLevel(evt) != logLevelFlag {
		return false
	}
	if logModuleFlag != "" && eventModule(evt) != logModuleFlag {
		return false
	}
	return true
}

func printEvent(evt eventlog.Event) {
	b, err := json.Marshal(evt.Data)
	if err != nil {
		b = []byte("{}")
	}
	fmt.Printf("[%d] seq=%d %-8s %-28s %s\n", evt.Timestamp, evt.Sequence, eventLevel(evt), evt.Type, string(b))
}

func runLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	since, err := parseSince(logSinceFlag)
	if err != nil {
		return err
	}
	var sinceMs int64
	if since > 0 {
		sinceMs = time.Now().Add(-since).UnixMilli()
	}

	logStore := eventlog.NewLogStore(client.DB())

	var lastSeq int64
	events, err := logStore.Read(ctx, projectFlag, 0, 1000)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if matchesFilters(evt, sinceMs) {
			printEvent(evt)
		}
		lastSeq = evt.Sequence
	}

	if !logWatchFlag {
		return nil
	}

	for {
		more, err := logStore.Read(ctx, projectFlag, lastSeq, 1000)
		if err != nil {
			return err
		}
		for _, evt := range more {
			if matchesFilters(evt, sinceMs) {
				printEvent(evt)
			}
			lastSeq = evt.Sequence
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}
