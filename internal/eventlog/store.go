package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swarmlog/swarmlog/internal/apperrors"
)

// notifyByteLimit is PostgreSQL's NOTIFY payload size limit (8000 bytes);
// truncation kicks in below that to leave headroom for JSON escaping.
const notifyByteLimit = 7900

// ProjectionApplier mutates derived tables inside the same transaction as an
// event append. Registered once per projection (agents, messages,
// reservations, cells, ...) during wiring; the Log Store itself has no
// knowledge of what any given event type means to a projection, it only
// guarantees the write happens atomically with the append (spec §4.1).
type ProjectionApplier func(ctx context.Context, tx *sql.Tx, evt Event) error

// LogStore is the single append-only writer for a project-scoped event log.
// All mutations across the system go through Append.
type LogStore struct {
	db         *sql.DB
	listener   *NotifyListener
	projectors []ProjectionApplier
}

// NewLogStore constructs a LogStore over an open connection pool.
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db}
}

// RegisterProjection adds a projection applier invoked, in registration
// order, inside every Append's transaction.
func (s *LogStore) RegisterProjection(p ProjectionApplier) {
	s.projectors = append(s.projectors, p)
}

// SetListener attaches the NotifyListener used by Subscribe for live tailing.
func (s *LogStore) SetListener(l *NotifyListener) {
	s.listener = l
}

// Append inserts a new event, assigns it the next per-project sequence
// number, runs every registered projection applier, and notifies live
// subscribers — all inside one transaction (spec §4.1: "Every append is
// atomic: event insert + all derived projection updates commit together or
// not at all").
func (s *LogStore) Append(ctx context.Context, projectKey, eventType string, data map[string]any) (Event, error) {
	if err := validateData(data); err != nil {
		return Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("%w: begin transaction: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := s.nextSequence(ctx, tx, projectKey)
	if err != nil {
		return Event{}, err
	}

	now := time.Now().UnixMilli()
	evt := Event{
		ID:         uuid.NewString(),
		ProjectKey: projectKey,
		Sequence:   seq,
		Type:       eventType,
		Data:       data,
		Timestamp:  now,
	}

	dataJSON, err := json.Marshal(evt.Data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event data: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, project_key, sequence, type, data, created_at_ms) VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID, evt.ProjectKey, evt.Sequence, evt.Type, dataJSON, evt.Timestamp,
	)
	if err != nil {
		return Event{}, fmt.Errorf("%w: insert event: %v", apperrors.ErrStorageUnavailable, err)
	}

	for _, apply := range s.projectors {
		if err := apply(ctx, tx, evt); err != nil {
			return Event{}, err
		}
	}

	notifyPayload, err := buildNotifyPayload(evt)
	if err != nil {
		return Event{}, err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", ProjectChannel(projectKey), notifyPayload); err != nil {
		return Event{}, fmt.Errorf("%w: pg_notify: %v", apperrors.ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("%w: commit: %v", apperrors.ErrStorageUnavailable, err)
	}

	return evt, nil
}

// nextSequence claims the next sequence number for projectKey under a
// row-level lock, creating the counter row on first use. Held for the
// lifetime of the caller's transaction, so sequence assignment and the event
// insert are linearized per project (spec §3: "sequence strictly increasing
// within a project_key").
func (s *LogStore) nextSequence(ctx context.Context, tx *sql.Tx, projectKey string) (int64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events_seq (project_key, next_sequence) VALUES ($1, 1) ON CONFLICT DO NOTHING`,
		projectKey,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: init sequence: %v", apperrors.ErrStorageUnavailable, err)
	}

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT next_sequence FROM events_seq WHERE project_key = $1 FOR UPDATE`,
		projectKey,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("%w: lock sequence: %v", apperrors.ErrStorageUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE events_seq SET next_sequence = $2 WHERE project_key = $1`,
		projectKey, next+1,
	); err != nil {
		return 0, fmt.Errorf("%w: advance sequence: %v", apperrors.ErrStorageUnavailable, err)
	}

	return next, nil
}

// Read returns up to limit events for project with sequence > fromSequence,
// in ascending sequence order.
func (s *LogStore) Read(ctx context.Context, projectKey string, fromSequence int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_key, sequence, type, data, created_at_ms
		   FROM events
		  WHERE project_key = $1 AND sequence > $2
		  ORDER BY sequence ASC
		  LIMIT $3`,
		projectKey, fromSequence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: read events: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var dataJSON []byte
		if err := rows.Scan(&evt.ID, &evt.ProjectKey, &evt.Sequence, &evt.Type, &dataJSON, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", apperrors.ErrStorageUnavailable, err)
		}
		if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %v", apperrors.ErrStorageUnavailable, err)
	}
	return events, nil
}

// GetByID returns the event with the given id, regardless of project (the
// id is a UUID primary key, globally unique). Backs `swarmlogctl queue
// status`, which looks a submitted event up by the id Append returned.
func (s *LogStore) GetByID(ctx context.Context, id string) (Event, error) {
	var evt Event
	var dataJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_key, sequence, type, data, created_at_ms FROM events WHERE id = $1`,
		id,
	).Scan(&evt.ID, &evt.ProjectKey, &evt.Sequence, &evt.Type, &dataJSON, &evt.Timestamp)
	if err == sql.ErrNoRows {
		return Event{}, fmt.Errorf("%w: event %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return Event{}, fmt.Errorf("%w: get event: %v", apperrors.ErrStorageUnavailable, err)
	}
	if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
		return Event{}, fmt.Errorf("unmarshal event data: %w", err)
	}
	return evt, nil
}

// Tail returns the highest sequence number appended for project, or 0 if
// the project has no events.
func (s *LogStore) Tail(ctx context.Context, projectKey string) (int64, error) {
	var tail sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE project_key = $1`,
		projectKey,
	).Scan(&tail)
	if err != nil {
		return 0, fmt.Errorf("%w: tail: %v", apperrors.ErrStorageUnavailable, err)
	}
	return tail.Int64, nil
}

// Subscribe delivers every event appended to project from this point on to
// cb, until ctx is cancelled. It does not replay history — callers combine
// it with Read(fromSequence) for backlog, per the fan-out server's delivery
// contract (spec §4.7).
func (s *LogStore) Subscribe(ctx context.Context, projectKey string, cb func(Event)) (func(), error) {
	if s.listener == nil {
		return func() {}, fmt.Errorf("%w: no listener configured", apperrors.ErrStorageUnavailable)
	}
	channel := ProjectChannel(projectKey)
	unsub := s.listener.RegisterHandler(channel, func(payload []byte) {
		evt, truncated, ok := decodeNotifyPayload(payload)
		if !ok {
			return
		}
		if truncated {
			if full, err := s.Read(ctx, projectKey, evt.Sequence-1, 1); err == nil && len(full) == 1 {
				evt = full[0]
			}
		}
		cb(evt)
	})
	if err := s.listener.Subscribe(ctx, channel); err != nil {
		unsub()
		return func() {}, err
	}
	return func() {
		unsub()
		_ = s.listener.Unsubscribe(context.Background(), channel)
	}, nil
}

// buildNotifyPayload marshals evt for NOTIFY delivery, falling back to a
// minimal routing envelope (sequence + type only) if the full payload
// exceeds PostgreSQL's NOTIFY size limit. Subscribers that receive a
// truncated envelope re-fetch via Read using the carried sequence.
func buildNotifyPayload(evt Event) (string, error) {
	full := map[string]any{
		"id":       evt.ID,
		"project":  evt.ProjectKey,
		"sequence": evt.Sequence,
		"type":     evt.Type,
		"data":     evt.Data,
		"ts":       evt.Timestamp,
	}
	b, err := json.Marshal(full)
	if err != nil {
		return "", fmt.Errorf("marshal notify payload: %w", err)
	}
	if len(b) <= notifyByteLimit {
		return string(b), nil
	}

	truncated := map[string]any{
		"id":        evt.ID,
		"project":   evt.ProjectKey,
		"sequence":  evt.Sequence,
		"type":      evt.Type,
		"ts":        evt.Timestamp,
		"truncated": true,
	}
	tb, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("marshal truncated notify payload: %w", err)
	}
	return string(tb), nil
}

func decodeNotifyPayload(payload []byte) (Event, bool, bool) {
	var raw struct {
		ID        string         `json:"id"`
		Project   string         `json:"project"`
		Sequence  int64          `json:"sequence"`
		Type      string         `json:"type"`
		Data      map[string]any `json:"data"`
		Timestamp int64          `json:"ts"`
		Truncated bool           `json:"truncated"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, false, false
	}
	return Event{
		ID:         raw.ID,
		ProjectKey: raw.Project,
		Sequence:   raw.Sequence,
		Type:       raw.Type,
		Data:       raw.Data,
		Timestamp:  raw.Timestamp,
	}, raw.Truncated, true
}
