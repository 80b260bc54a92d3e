// Package deferred implements the Durable Deferred (spec §4.4): a
// cross-process future/promise backed by a database row, so a coordinator
// in one process can await a value a worker resolves in another.
package deferred

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swarmlog/swarmlog/internal/apperrors"
)

// pollInterval is the base polling cadence for Await, which only polls (no
// NOTIFY wakeup); the interval doubles after each poll up to pollCap (spec §9: "express
// await as a polling loop with exponential backoff up to a cap... or via a
// notification channel").
const (
	pollInterval = 100 * time.Millisecond
	pollCap      = 2 * time.Second
)

// Handle is the row state returned to callers.
type Handle struct {
	URL         string
	ProjectKey  string
	Resolved    bool
	Value       json.RawMessage
	Error       string
	ExpiresAtMs int64
	CreatedAtMs int64
}

// Store creates, resolves, and awaits deferreds against the shared backing
// store; the url is the only thing that needs to cross the process boundary.
// Unlike agents/messages/reservations/cells, deferreds are not part of the
// event log's tagged-variant set (spec §6 lists no deferred_* event) — the
// table is written directly, its own lifecycle column (resolved) providing
// the linearization a concurrent resolve needs.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new unresolved deferred with the given TTL and returns its
// caller-opaque url (spec §9 Open Question (a): urls are always generated,
// never caller-supplied).
func (s *Store) Create(ctx context.Context, projectKey string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", apperrors.NewValidationError("ttlSeconds", "must be positive")
	}
	url := "deferred:" + uuid.NewString()
	now := time.Now().UnixMilli()
	expiresAt := now + ttl.Milliseconds()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deferred (url, project_key, resolved, expires_at_ms, created_at_ms) VALUES ($1, $2, FALSE, $3, $4)`,
		url, projectKey, expiresAt, now,
	)
	if err != nil {
		return "", fmt.Errorf("%w: create deferred: %v", apperrors.ErrStorageUnavailable, err)
	}
	return url, nil
}

// Resolve sets value (or error) on url, idempotently: a second resolve call
// is silently ignored. Resolving an expired url is an error (not
// recoverable, spec §4.4).
func (s *Store) Resolve(ctx context.Context, url string, value any, resolveErr string) error {
	h, err := s.get(ctx, url)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if h.ExpiresAtMs <= now && !h.Resolved {
		return fmt.Errorf("%w: %s", apperrors.ErrDeferredExpired, url)
	}
	if h.Resolved {
		return nil // idempotent no-op
	}

	var valueJSON []byte
	if value != nil {
		valueJSON, err = json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal deferred value: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE deferred SET resolved = TRUE, value = $2, error = $3 WHERE url = $1 AND resolved = FALSE AND expires_at_ms > $4`,
		url, nullableJSON(valueJSON), nullIfEmpty(resolveErr), now,
	)
	if err != nil {
		return fmt.Errorf("%w: resolve deferred: %v", apperrors.ErrStorageUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either a concurrent resolve won (idempotent no-op) or the row
		// expired between the read above and this update.
		if cur, err := s.get(ctx, url); err == nil && !cur.Resolved {
			return fmt.Errorf("%w: %s", apperrors.ErrDeferredExpired, url)
		}
		return nil
	}
	return nil
}

// Await polls until url resolves or timeout elapses, returning the resolved
// value (or the stored error string). Returns apperrors.ErrTimeout on
// expiry and apperrors.ErrNotFound if the url was never created.
func (s *Store) Await(ctx context.Context, url string, timeout time.Duration) (json.RawMessage, string, error) {
	deadline := time.Now().Add(timeout)
	backoff := pollInterval

	for {
		h, err := s.get(ctx, url)
		if err != nil {
			return nil, "", err
		}
		if h.Resolved {
			return h.Value, h.Error, nil
		}
		if time.Now().After(deadline) {
			return nil, "", fmt.Errorf("%w: %s", apperrors.ErrTimeout, url)
		}

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(minDuration(backoff, time.Until(deadline))):
		}
		backoff = minDuration(backoff*2, pollCap)
	}
}

func (s *Store) get(ctx context.Context, url string) (Handle, error) {
	var h Handle
	var value []byte
	var errStr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT url, project_key, resolved, value, error, expires_at_ms, created_at_ms FROM deferred WHERE url = $1`,
		url,
	).Scan(&h.URL, &h.ProjectKey, &h.Resolved, &value, &errStr, &h.ExpiresAtMs, &h.CreatedAtMs)
	if err == sql.ErrNoRows {
		return Handle{}, fmt.Errorf("%w: deferred %s", apperrors.ErrNotFound, url)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("%w: get deferred: %v", apperrors.ErrStorageUnavailable, err)
	}
	h.Value = value
	h.Error = errStr.String
	return h, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
