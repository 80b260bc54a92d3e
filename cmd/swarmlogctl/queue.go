package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swarmlog/swarmlog/internal/cells"
	"github.com/swarmlog/swarmlog/internal/config"
	"github.com/swarmlog/swarmlog/internal/deferred"
	"github.com/swarmlog/swarmlog/internal/eventlog"
	"github.com/swarmlog/swarmlog/internal/llmadapter"
	"github.com/swarmlog/swarmlog/internal/llmclient"
	"github.com/swarmlog/swarmlog/internal/messages"
	"github.com/swarmlog/swarmlog/internal/reservations"
	"github.com/swarmlog/swarmlog/internal/worker"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Submit, inspect, and work subtask runs",
}

func init() {
	rootCmd.AddCommand(queueCmd)
}

var (
	submitPayload  string
	submitPriority int
	submitDelayMs  int
	submitProfile  string
)

var queueSubmitCmd = &cobra.Command{
	Use:   "submit <type>",
	Short: "Append an event of <type> to the log",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueSubmit,
}

func init() {
	queueSubmitCmd.Flags().StringVar(&submitPayload, "payload", "{}", "JSON payload")
	queueSubmitCmd.Flags().IntVar(&submitPriority, "priority", 2, "priority 0-4")
	queueSubmitCmd.Flags().IntVar(&submitDelayMs, "delay", 0, "delay in milliseconds before the event is considered actionable")
	queueSubmitCmd.Flags().StringVar(&submitProfile, "profile", "", "named worker profile (program/model) from the profiles file, see --profiles-file")
	queueCmd.AddCommand(queueSubmitCmd)
}

func runQueueSubmit(cmd *cobra.Command, args []string) error {
	eventType := args[0]

	var data map[string]any
	if err := json.Unmarshal([]byte(submitPayload), &data); err != nil {
		return fmt.Errorf("invalid --payload JSON: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	data["priority"] = submitPriority
	if submitDelayMs > 0 {
		data["delay_ms"] = submitDelayMs
	}
	if submitProfile != "" {
		registry, err := config.LoadProfilesFile(profilesFileFlag)
		if err != nil {
			return fmt.Errorf("load profiles file: %w", err)
		}
		profile, ok := registry.Resolve(submitProfile)
		if !ok {
			return fmt.Errorf("unknown profile %q (known: %v)", submitProfile, registry.Names())
		}
		data["program"] = profile.Program
		data["model"] = profile.Model
		if profile.MaxIterations > 0 {
			data["max_iterations"] = profile.MaxIterations
		}
	}

	ctx := cmd.Context()
	client, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	logStore := eventlog.NewLogStore(client.DB())
	evt, err := logStore.Append(ctx, projectFlag, eventType, data)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("submitted %s job_id=%s sequence=%d\n", eventType, evt.ID, evt.Sequence)
	return nil
}

var queueStatusCmd = &cobra.Command{
	Use:   "status <jobId>",
	Short: "Show the event a job id refers to",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueStatus,
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	logStore := eventlog.NewLogStore(client.DB())
	evt, err := logStore.GetByID(ctx, args[0])
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

var (
	listState string
	listLimit int
)

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subtask runs",
	RunE:  runQueueList,
}

func init() {
	queueListCmd.Flags().StringVar(&listState, "state", "", "filter by state")
	queueListCmd.Flags().IntVar(&listLimit, "limit", 50, "max rows")
	queueCmd.AddCommand(queueListCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	store := worker.NewStore(client.DB())
	runs, err := store.List(ctx, projectFlag, worker.State(listState), listLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %-12s  cell=%-20s  attempt=%d  worker=%s\n", r.ID, r.State, r.CellID, r.AttemptCount, r.WorkerID)
	}
	return nil
}

var workerConcurrency int

var queueWorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker pool against the log until interrupted",
	RunE:  runQueueWorker,
}

func init() {
	queueWorkerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 2, "number of poller goroutines")
	queueCmd.AddCommand(queueWorkerCmd)
}

func runQueueWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	db := client.DB()
	logStore := eventlog.NewLogStore(db)
	cellStore := cells.NewStore(db, logStore)
	reservationEngine := reservations.NewEngine(db, logStore)
	deferredStore := deferred.NewStore(db)
	messageBus := messages.NewBus(db, logStore)
	logStore.RegisterProjection(cells.Projection())
	logStore.RegisterProjection(reservations.Projection())
	logStore.RegisterProjection(messages.Projection())

	manager := worker.NewManager(
		"swarmlogctl-worker",
		worker.Config{WorkerCount: workerConcurrency},
		worker.NewStore(db),
		logStore,
		cellStore,
		reservationEngine,
		deferredStore,
		messageBus,
		&llmadapter.Executor{Client: &llmclient.FakeClient{}},
		&llmadapter.Verifier{Verifier: &llmclient.FakeVerifier{}},
	)
	manager.Start(ctx)
	fmt.Printf("worker pool running with concurrency=%d, press Ctrl+C to stop\n", workerConcurrency)

	<-ctx.Done()
	manager.Stop()
	return nil
}
