// Package agents implements the Agent projection (spec §3, §4.1): one row
// per (project_key, name), first-writer-wins on registration, touched on
// every activity event.
package agents

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/swarmlog/swarmlog/internal/apperrors"
	"github.com/swarmlog/swarmlog/internal/eventlog"
)

// Agent is the projected row for a named actor within a project.
type Agent struct {
	ProjectKey      string
	Name            string
	Program         string
	Model           string
	TaskDescription string
	RegisteredAtMs  int64
	LastActiveAtMs  int64
}

// Store reads the agents projection and appends agent_registered events.
type Store struct {
	db  *sql.DB
	log *eventlog.LogStore
}

func NewStore(db *sql.DB, log *eventlog.LogStore) *Store {
	return &Store{db: db, log: log}
}

// Register appends agent_registered. First writer wins: if the (project,
// name) pair already exists, this call is treated as a touch rather than a
// re-registration — the projection applier enforces this, not this method.
func (s *Store) Register(ctx context.Context, projectKey, name, program, model, taskDescription string) (Agent, error) {
	if name == "" {
		return Agent{}, apperrors.NewValidationError("name", "required")
	}
	evt, err := s.log.Append(ctx, projectKey, eventlog.TypeAgentRegistered, map[string]any{
		"name":             name,
		"program":          program,
		"model":            model,
		"task_description": taskDescription,
	})
	if err != nil {
		return Agent{}, err
	}
	return s.Get(ctx, projectKey, name, evt.Timestamp)
}

// Touch updates last_active_at_ms for an existing agent without emitting a
// new log event; called by other components (message send, reservation
// acquisition, ...) whenever an agent performs an action.
func (s *Store) Touch(ctx context.Context, tx *sql.Tx, projectKey, name string, atMs int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE agents SET last_active_at_ms = $3 WHERE project_key = $1 AND name = $2`,
		projectKey, name, atMs,
	)
	if err != nil {
		return fmt.Errorf("%w: touch agent: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, projectKey, name string, fallbackAtMs int64) (Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT project_key, name, program, model, task_description, registered_at_ms, last_active_at_ms
		   FROM agents WHERE project_key = $1 AND name = $2`,
		projectKey, name,
	).Scan(&a.ProjectKey, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &a.RegisteredAtMs, &a.LastActiveAtMs)
	if err == sql.ErrNoRows {
		return Agent{}, fmt.Errorf("%w: agent %s", apperrors.ErrNotFound, name)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("%w: get agent: %v", apperrors.ErrStorageUnavailable, err)
	}
	return a, nil
}

// List returns every registered agent in a project, ordered by registration time.
func (s *Store) List(ctx context.Context, projectKey string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_key, name, program, model, task_description, registered_at_ms, last_active_at_ms
		   FROM agents WHERE project_key = $1 ORDER BY registered_at_ms ASC`,
		projectKey,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ProjectKey, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &a.RegisteredAtMs, &a.LastActiveAtMs); err != nil {
			return nil, fmt.Errorf("%w: scan agent: %v", apperrors.ErrStorageUnavailable, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Projection returns the ProjectionApplier for agent_registered events,
// registered once against the LogStore during wiring.
func Projection() eventlog.ProjectionApplier {
	return func(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
		if evt.Type != eventlog.TypeAgentRegistered {
			return nil
		}
		name, _ := evt.Data["name"].(string)
		program, _ := evt.Data["program"].(string)
		model, _ := evt.Data["model"].(string)
		taskDescription, _ := evt.Data["task_description"].(string)

		_, err := tx.ExecContext(ctx,
			`INSERT INTO agents (project_key, name, program, model, task_description, registered_at_ms, last_active_at_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $6)
			 ON CONFLICT (project_key, name) DO UPDATE SET last_active_at_ms = $6`,
			evt.ProjectKey, name, program, model, taskDescription, evt.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("%w: apply agent_registered: %v", apperrors.ErrStorageUnavailable, err)
		}
		return nil
	}
}

// TouchNow is a convenience for callers outside a transaction that just need
// to bump last-active without reading the row back.
func TouchNow(ctx context.Context, db *sql.DB, projectKey, name string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE agents SET last_active_at_ms = $3 WHERE project_key = $1 AND name = $2`,
		projectKey, name, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: touch agent: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}
