// Package reservations implements the Reservation Engine (spec §4.3):
// exclusive file-path locking with glob matching, TTL, conflict reporting,
// and coordinator-gated bulk release.
package reservations

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/swarmlog/swarmlog/internal/apperrors"
	"github.com/swarmlog/swarmlog/internal/coordinator"
	"github.com/swarmlog/swarmlog/internal/eventlog"
)

// Reservation is a projected row.
type Reservation struct {
	ID           string
	ProjectKey   string
	AgentName    string
	PathPattern  string
	Exclusive    bool
	Reason       string
	CreatedAtMs  int64
	ExpiresAtMs  *int64
	ReleasedAtMs *int64
	LockHolderID string
}

func (r Reservation) active(nowMs int64) bool {
	if r.ReleasedAtMs != nil {
		return false
	}
	if r.ExpiresAtMs != nil && *r.ExpiresAtMs <= nowMs {
		return false
	}
	return true
}

// Conflict describes why a requested path could not be granted.
type Conflict struct {
	Path        string `json:"path"`
	HolderAgent string `json:"holder"`
	HolderID    string `json:"holder_id"`
}

// ReserveOptions configures a reserve() call.
type ReserveOptions struct {
	Exclusive bool
	Reason    string
	TTL       time.Duration // zero means no expiry
}

// ReserveResult reports what was granted and what conflicted.
type ReserveResult struct {
	Granted   []string
	Conflicts []Conflict
}

// Engine grants and releases reservations through the Log Store.
type Engine struct {
	db  *sql.DB
	log *eventlog.LogStore
}

func NewEngine(db *sql.DB, log *eventlog.LogStore) *Engine {
	return &Engine{db: db, log: log}
}

// overlaps reports whether a and b refer to the same or an overlapping set
// of concrete files: literal equality, or a glob match in either direction.
func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	if ok, _ := path.Match(a, b); ok {
		return true
	}
	if ok, _ := path.Match(b, a); ok {
		return true
	}
	if ok, _ := doublestar.Match(a, b); ok {
		return true
	}
	if ok, _ := doublestar.Match(b, a); ok {
		return true
	}
	return false
}

// Reserve attempts to grant agent exclusive (or shared) access to each of
// paths, per spec §4.3's acquisition algorithm: collect conflicts across all
// requested paths without aborting the whole request, grant the rest in one
// transaction, and roll the whole grant back if a concurrent insert raced it.
func (e *Engine) Reserve(ctx context.Context, projectKey, agent string, paths []string, opts ReserveOptions) (ReserveResult, error) {
	if agent == "" {
		return ReserveResult{}, apperrors.NewValidationError("agent", "required")
	}
	if len(paths) == 0 {
		return ReserveResult{}, apperrors.NewValidationError("paths", "at least one path required")
	}

	now := time.Now().UnixMilli()
	active, err := e.activeRows(ctx, projectKey, now)
	if err != nil {
		return ReserveResult{}, err
	}

	result := ReserveResult{}
	var toGrant []string
	for _, p := range paths {
		conflict, found := findConflict(active, p, opts.Exclusive)
		if found {
			result.Conflicts = append(result.Conflicts, conflict)
			continue
		}
		toGrant = append(toGrant, p)
	}

	if len(toGrant) == 0 {
		return result, nil
	}

	holderID := uuid.NewString()
	var expiresAt *int64
	if opts.TTL > 0 {
		v := now + opts.TTL.Milliseconds()
		expiresAt = &v
	}

	granted, err := e.grantBatch(ctx, projectKey, agent, toGrant, opts.Exclusive, opts.Reason, holderID, expiresAt, now)
	if err != nil {
		if apperrorsIsConflict(err) {
			// Optimistic re-check lost the race: report every path in this
			// batch as a conflict instead of partially granting.
			for _, p := range toGrant {
				result.Conflicts = append(result.Conflicts, Conflict{Path: p})
			}
			return result, nil
		}
		return ReserveResult{}, err
	}
	result.Granted = granted
	return result, nil
}

func apperrorsIsConflict(err error) bool {
	return err == apperrors.ErrConflict
}

func findConflict(active []Reservation, requestedPath string, exclusiveRequest bool) (Conflict, bool) {
	for _, r := range active {
		if !overlaps(r.PathPattern, requestedPath) {
			continue
		}
		if r.Exclusive || exclusiveRequest {
			return Conflict{Path: requestedPath, HolderAgent: r.AgentName, HolderID: r.LockHolderID}, true
		}
	}
	return Conflict{}, false
}

func (e *Engine) activeRows(ctx context.Context, projectKey string, nowMs int64) ([]Reservation, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, project_key, agent_name, path_pattern, exclusive, COALESCE(reason, ''), created_at_ms, expires_at_ms, released_at_ms, COALESCE(lock_holder_id::text, '')
		   FROM reservations
		  WHERE project_key = $1 AND released_at_ms IS NULL AND (expires_at_ms IS NULL OR expires_at_ms > $2)`,
		projectKey, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: active reservations: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.ProjectKey, &r.AgentName, &r.PathPattern, &r.Exclusive, &r.Reason, &r.CreatedAtMs, &r.ExpiresAtMs, &r.ReleasedAtMs, &r.LockHolderID); err != nil {
			return nil, fmt.Errorf("%w: scan reservation: %v", apperrors.ErrStorageUnavailable, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// grantBatch appends one reservation_created event per path, then re-checks
// for overlaps against what's now committed. Each append is its own
// transaction (eventlog.Append commits independently), so the grant itself
// is not atomic across paths; what spec §4.3 step 3 actually requires — no
// two exclusive holders surviving on one path — is restored here by treating
// a re-check conflict as a rollback signal: every row this call just created
// is released via a compensating event before ErrConflict is returned, so a
// losing caller never leaves phantom-granted reservations behind for the
// winner (or another loser) to trip over.
func (e *Engine) grantBatch(ctx context.Context, projectKey, agent string, paths []string, exclusive bool, reason, holderID string, expiresAt *int64, now int64) ([]string, error) {
	for _, p := range paths {
		_, err := e.log.Append(ctx, projectKey, eventlog.TypeReservationCreated, map[string]any{
			"agent_name":     agent,
			"path_pattern":   p,
			"exclusive":      exclusive,
			"reason":         reason,
			"expires_at_ms":  expiresAt,
			"lock_holder_id": holderID,
		})
		if err != nil {
			return nil, err
		}
	}

	active, err := e.activeRows(ctx, projectKey, now)
	if err != nil {
		return nil, err
	}
	conflicted := false
	for _, p := range paths {
		holders := map[string]bool{}
		for _, r := range active {
			if overlaps(r.PathPattern, p) {
				holders[r.LockHolderID] = true
			}
		}
		if exclusive && len(holders) > 1 {
			conflicted = true
			break
		}
	}
	if conflicted {
		if relErr := e.releaseByHolder(ctx, projectKey, holderID, paths); relErr != nil {
			return nil, relErr
		}
		return nil, apperrors.ErrConflict
	}
	return paths, nil
}

// releaseByHolder compensates a grantBatch that lost the re-check race: it
// releases exactly the rows this holderID just created, never touching any
// other reservation agent holds, so a requeued retry still sees its other
// locks intact.
func (e *Engine) releaseByHolder(ctx context.Context, projectKey, holderID string, paths []string) error {
	_, err := e.log.Append(ctx, projectKey, eventlog.TypeReservationReleased, map[string]any{
		"lock_holder_id": holderID,
		"paths":          paths,
		"reason":         "conflict_rollback",
	})
	return err
}

// Release releases agent's reservations matching paths (or all of agent's
// reservations, if paths is empty).
func (e *Engine) Release(ctx context.Context, projectKey, agent string, paths []string) error {
	_, err := e.log.Append(ctx, projectKey, eventlog.TypeReservationReleased, map[string]any{
		"agent_name": agent,
		"paths":      paths,
	})
	return err
}

// ReleaseAllForProject releases every active reservation in the project.
// Requires coordinator context (spec §4.6).
func (e *Engine) ReleaseAllForProject(ctx context.Context, cc *coordinator.Context, projectKey string) error {
	if !cc.IsCoordinator() {
		return apperrors.NewGuardError("coordinator_only")
	}
	_, err := e.log.Append(ctx, projectKey, eventlog.TypeReservationReleasedAll, map[string]any{
		"actor": cc.SessionID(),
	})
	return err
}

// ReleaseAllForAgent releases every active reservation held by target.
// Requires coordinator context (spec §4.6).
func (e *Engine) ReleaseAllForAgent(ctx context.Context, cc *coordinator.Context, projectKey, target string) error {
	if !cc.IsCoordinator() {
		return apperrors.NewGuardError("coordinator_only")
	}
	_, err := e.log.Append(ctx, projectKey, eventlog.TypeReservationReleasedForAgent, map[string]any{
		"actor":  cc.SessionID(),
		"target": target,
	})
	return err
}

// ActiveReservations lists currently-active reservations for a project,
// optionally filtered to one agent.
func (e *Engine) ActiveReservations(ctx context.Context, projectKey, agent string) ([]Reservation, error) {
	now := time.Now().UnixMilli()
	all, err := e.activeRows(ctx, projectKey, now)
	if err != nil {
		return nil, err
	}
	if agent == "" {
		return all, nil
	}
	var out []Reservation
	for _, r := range all {
		if r.AgentName == agent {
			out = append(out, r)
		}
	}
	return out, nil
}

// ReclaimExpired writes reservation_released{reason:"expired"} for any row
// whose TTL has passed but which is still marked unreleased (spec §4.3's
// lazy reclamation, per Open Question (b): no background pass is required).
func (e *Engine) ReclaimExpired(ctx context.Context, projectKey string) (int, error) {
	now := time.Now().UnixMilli()
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, agent_name FROM reservations
		  WHERE project_key = $1 AND released_at_ms IS NULL AND expires_at_ms IS NOT NULL AND expires_at_ms <= $2`,
		projectKey, now,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: find expired: %v", apperrors.ErrStorageUnavailable, err)
	}
	type expired struct{ id, agent string }
	var toReclaim []expired
	for rows.Next() {
		var ex expired
		if err := rows.Scan(&ex.id, &ex.agent); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: scan expired: %v", apperrors.ErrStorageUnavailable, err)
		}
		toReclaim = append(toReclaim, ex)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, ex := range toReclaim {
		if _, err := e.log.Append(ctx, projectKey, eventlog.TypeReservationReleased, map[string]any{
			"reservation_id": ex.id,
			"agent_name":     ex.agent,
			"reason":         "expired",
		}); err != nil {
			return 0, err
		}
	}
	return len(toReclaim), nil
}

// Projection applies reservation_created/released{,_all,_for_agent} events.
func Projection() eventlog.ProjectionApplier {
	return func(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
		switch evt.Type {
		case eventlog.TypeReservationCreated:
			return applyCreated(ctx, tx, evt)
		case eventlog.TypeReservationReleased:
			return applyReleased(ctx, tx, evt)
		case eventlog.TypeReservationReleasedAll:
			return applyReleasedAll(ctx, tx, evt)
		case eventlog.TypeReservationReleasedForAgent:
			return applyReleasedForAgent(ctx, tx, evt)
		default:
			return nil
		}
	}
}

func applyCreated(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	agent, _ := evt.Data["agent_name"].(string)
	pathPattern, _ := evt.Data["path_pattern"].(string)
	exclusive, _ := evt.Data["exclusive"].(bool)
	reason, _ := evt.Data["reason"].(string)
	holderID, _ := evt.Data["lock_holder_id"].(string)
	expiresAt := toInt64Ptr(evt.Data["expires_at_ms"])

	_, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, project_key, agent_name, path_pattern, exclusive, reason, created_at_ms, expires_at_ms, lock_holder_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		evt.ID, evt.ProjectKey, agent, pathPattern, exclusive, reason, evt.Timestamp, expiresAt, nullIfEmpty(holderID),
	)
	if err != nil {
		return fmt.Errorf("%w: apply reservation_created: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyReleased(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	if resID, ok := evt.Data["reservation_id"].(string); ok && resID != "" {
		_, err := tx.ExecContext(ctx,
			`UPDATE reservations SET released_at_ms = $2 WHERE id = $1 AND released_at_ms IS NULL`,
			resID, evt.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("%w: apply reservation_released: %v", apperrors.ErrStorageUnavailable, err)
		}
		return nil
	}

	if holderID, ok := evt.Data["lock_holder_id"].(string); ok && holderID != "" {
		paths := toStringSlice(evt.Data["paths"])
		if len(paths) == 0 {
			_, err := tx.ExecContext(ctx,
				`UPDATE reservations SET released_at_ms = $3
				   WHERE project_key = $1 AND lock_holder_id = $2 AND released_at_ms IS NULL`,
				evt.ProjectKey, holderID, evt.Timestamp,
			)
			if err != nil {
				return fmt.Errorf("%w: apply reservation_released (holder): %v", apperrors.ErrStorageUnavailable, err)
			}
			return nil
		}
		for _, p := range paths {
			_, err := tx.ExecContext(ctx,
				`UPDATE reservations SET released_at_ms = $4
				   WHERE project_key = $1 AND lock_holder_id = $2 AND path_pattern = $3 AND released_at_ms IS NULL`,
				evt.ProjectKey, holderID, p, evt.Timestamp,
			)
			if err != nil {
				return fmt.Errorf("%w: apply reservation_released (holder+path): %v", apperrors.ErrStorageUnavailable, err)
			}
		}
		return nil
	}

	agent, _ := evt.Data["agent_name"].(string)
	paths := toStringSlice(evt.Data["paths"])
	if len(paths) == 0 {
		_, err := tx.ExecContext(ctx,
			`UPDATE reservations SET released_at_ms = $3
			   WHERE project_key = $1 AND agent_name = $2 AND released_at_ms IS NULL`,
			evt.ProjectKey, agent, evt.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("%w: apply reservation_released (all): %v", apperrors.ErrStorageUnavailable, err)
		}
		return nil
	}
	for _, p := range paths {
		_, err := tx.ExecContext(ctx,
			`UPDATE reservations SET released_at_ms = $4
			   WHERE project_key = $1 AND agent_name = $2 AND path_pattern = $3 AND released_at_ms IS NULL`,
			evt.ProjectKey, agent, p, evt.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("%w: apply reservation_released (path): %v", apperrors.ErrStorageUnavailable, err)
		}
	}
	return nil
}

func applyReleasedAll(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE reservations SET released_at_ms = $2 WHERE project_key = $1 AND released_at_ms IS NULL`,
		evt.ProjectKey, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: apply reservation_released_all: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyReleasedForAgent(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	target, _ := evt.Data["target"].(string)
	_, err := tx.ExecContext(ctx,
		`UPDATE reservations SET released_at_ms = $3
		   WHERE project_key = $1 AND agent_name = $2 AND released_at_ms IS NULL`,
		evt.ProjectKey, target, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: apply reservation_released_for_agent: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func toInt64Ptr(v any) *int64 {
	switch n := v.(type) {
	case int64:
		return &n
	case float64:
		i := int64(n)
		return &i
	case int:
		i := int64(n)
		return &i
	default:
		return nil
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
