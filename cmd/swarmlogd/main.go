// Command swarmlogd is the coordination daemon: it owns the Log Store, its
// projections, the reservation engine, message bus, deferred futures, the
// worker lifecycle pollers, and the live fan-out server. Startup sequence
// (flags -> .env -> config -> storage -> services -> serve) mirrors
// cmd/tarsy/main.go.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/swarmlog/swarmlog/internal/agents"
	"github.com/swarmlog/swarmlog/internal/cells"
	"github.com/swarmlog/swarmlog/internal/config"
	"github.com/swarmlog/swarmlog/internal/deferred"
	"github.com/swarmlog/swarmlog/internal/eventlog"
	"github.com/swarmlog/swarmlog/internal/fanout"
	"github.com/swarmlog/swarmlog/internal/llmadapter"
	"github.com/swarmlog/swarmlog/internal/llmclient"
	"github.com/swarmlog/swarmlog/internal/logging"
	"github.com/swarmlog/swarmlog/internal/messages"
	"github.com/swarmlog/swarmlog/internal/reservations"
	"github.com/swarmlog/swarmlog/internal/storage"
	"github.com/swarmlog/swarmlog/internal/worker"
)

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	if err := config.LoadDotEnv(*configDir); err != nil {
		log.Printf("warning: could not load .env from %s: %v", *configDir, err)
	}

	logging.Init(getEnv("SWARM_LOG_FORMAT", getEnv("LOG_FORMAT", "text")), getEnv("LOG_LEVEL", "info"))
	slog.Info("starting swarmlogd", "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg, err := config.LoadDatabaseConfigFromEnv()
	if err != nil {
		slog.Error("failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := storage.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Warn("error closing database client", "error", err)
		}
	}()
	slog.Info("connected to postgresql, migrations applied")

	db := dbClient.DB()
	logStore := eventlog.NewLogStore(db)

	reservationEngine := reservations.NewEngine(db, logStore)
	cellStore := cells.NewStore(db, logStore)
	deferredStore := deferred.NewStore(db)
	messageBus := messages.NewBus(db, logStore)

	logStore.RegisterProjection(agents.Projection())
	logStore.RegisterProjection(messages.Projection())
	logStore.RegisterProjection(reservations.Projection())
	logStore.RegisterProjection(cells.Projection())

	listener := eventlog.NewNotifyListener(dbCfg.DSN())
	if err := listener.Start(ctx); err != nil {
		slog.Error("failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	logStore.SetListener(listener)

	serverCfg := config.LoadServerConfigFromEnv()

	var executor worker.Executor
	var verifier worker.Verifier
	if llmAddr := os.Getenv("LLM_SERVICE_ADDR"); llmAddr != "" {
		llmClient, err := llmclient.NewGRPCClient(llmAddr)
		if err != nil {
			slog.Error("failed to create llm client", "error", err)
			os.Exit(1)
		}
		defer llmClient.Close()
		executor = &llmadapter.Executor{Client: llmClient}

		if verifyAddr := os.Getenv("VERIFY_SERVICE_ADDR"); verifyAddr != "" {
			grpcVerifier, err := llmclient.NewGRPCVerifier(verifyAddr)
			if err != nil {
				slog.Error("failed to create verify client", "error", err)
				os.Exit(1)
			}
			defer grpcVerifier.Close()
			verifier = &llmadapter.Verifier{Verifier: grpcVerifier}
		} else {
			verifier = &llmadapter.Verifier{Verifier: &llmclient.FakeVerifier{}}
		}
	} else {
		slog.Warn("LLM_SERVICE_ADDR not set, running with fake llm client and verifier")
		executor = &llmadapter.Executor{Client: &llmclient.FakeClient{}}
		verifier = &llmadapter.Verifier{Verifier: &llmclient.FakeVerifier{}}
	}

	queueCfg := config.DefaultQueueConfig()
	workerStore := worker.NewStore(db)
	workerConfig := worker.Config{
		WorkerCount:             queueCfg.WorkerCount,
		PollInterval:            queueCfg.PollInterval,
		PollIntervalJitter:      queueCfg.PollIntervalJitter,
		HeartbeatInterval:       15 * time.Second,
		RunTimeout:              queueCfg.SubtaskTimeout,
		OrphanDetectionInterval: queueCfg.OrphanDetectionInterval,
		OrphanThreshold:         queueCfg.OrphanThreshold,
	}
	workerManager := worker.NewManager(
		"swarmlogd-"+serverCfg.DefaultProject,
		workerConfig,
		workerStore,
		logStore,
		cellStore,
		reservationEngine,
		deferredStore,
		messageBus,
		executor,
		verifier,
	)
	workerManager.Start(ctx)
	defer workerManager.Stop()

	fanoutServer := fanout.NewServer(db, logStore, cellStore, workerManager, serverCfg.DefaultProject)
	addr := ":" + strconv.Itoa(serverCfg.Port)
	slog.Info("fanout server listening", "addr", addr)

	if err := fanoutServer.Start(ctx, addr); err != nil {
		slog.Error("fanout server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("swarmlogd shut down cleanly")
}
