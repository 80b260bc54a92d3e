// Package fanout implements the Live Fan-out Server (spec §4.7): WS
// (primary) and SSE (fallback) endpoints streaming the event log tail from a
// client-supplied offset, plus the /cells read view. Structured after
// tarsy's pkg/api.Server (Echo v5 wiring, one setupRoutes pass) with the
// WebSocket delivery loop ported from pkg/events.ConnectionManager's
// subscribe-then-catchup ordering, adapted to this system's per-project
// sequence offsets instead of tarsy's single global event id.
package fanout

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/swarmlog/swarmlog/internal/cells"
	"github.com/swarmlog/swarmlog/internal/eventlog"
	"github.com/swarmlog/swarmlog/internal/storage"
	"github.com/swarmlog/swarmlog/internal/worker"
)

// heartbeatInterval is the WebSocket keepalive cadence (spec §4.7, §6).
const heartbeatInterval = 30 * time.Second

// writeTimeout bounds a single outbound write; a write that doesn't drain
// within this window closes the connection rather than buffering
// unboundedly (spec §5's backpressure rule: "drops nothing silently... the
// subscription is closed with an error").
const writeTimeout = 5 * time.Second

// defaultStreamLimit caps a one-shot (live=false) /streams response when the
// caller doesn't supply ?limit.
const defaultStreamLimit = 200

// Server is the fan-out HTTP/WS server. One instance per daemon process.
type Server struct {
	echo           *echo.Echo
	httpServer     *http.Server
	db             *sql.DB
	log            *eventlog.LogStore
	cells          *cells.Store
	workers        *worker.Manager
	defaultProject string

	subs *subscriberRegistry
}

// NewServer wires an Echo v5 server exposing spec §4.7's endpoints. workers
// may be nil (e.g. a daemonless CLI embedding), in which case /health omits
// the worker-pool fields rather than failing.
func NewServer(db *sql.DB, log *eventlog.LogStore, cellStore *cells.Store, workers *worker.Manager, defaultProject string) *Server {
	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
	}))

	s := &Server{
		echo:           e,
		db:             db,
		log:            log,
		cells:          cellStore,
		workers:        workers,
		defaultProject: defaultProject,
		subs:           newSubscriberRegistry(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/streams/:project", s.streamHandler)
	s.echo.GET("/events", s.defaultEventsHandler)
	s.echo.GET("/cells", s.cellsHandler)
	s.echo.GET("/ws", s.wsHandler)
}

// Start begins serving on addr. Blocks until the server stops or ctx is
// cancelled, mirroring tarsy's graceful-shutdown-on-context-cancel shape.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("fanout: listen %s: %w", addr, err)
	}
	s.httpServer = &http.Server{Handler: s.echo}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("fanout server shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// healthHandler aggregates DB reachability, queue depth, and per-worker
// status alongside the live connection count (spec §5). A component whose
// check fails (DB down, worker status query error) degrades the status
// field rather than failing the whole response; a component that is not
// wired (nil db or worker pool) is left out of the body and does not
// affect the status.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	status := "healthy"

	body := map[string]any{
		"connections": s.subs.count(),
	}

	if s.db != nil {
		dbStatus, err := storage.Health(ctx, s.db)
		body["database"] = dbStatus
		if err != nil {
			status = "degraded"
		}
	}

	if s.workers != nil {
		poolStatus, err := s.workers.Status(ctx)
		if err != nil {
			status = "degraded"
		} else {
			body["workers"] = poolStatus
		}
	}

	body["status"] = status
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, body)
}
