// Package cells implements the Cell/Bead projection (spec §3, §4.1): the
// work-unit hierarchy (bug/feature/task/epic/chore) with dependencies,
// labels, comments, tombstones, and epic-closure eligibility.
package cells

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmlog/swarmlog/internal/apperrors"
	"github.com/swarmlog/swarmlog/internal/eventlog"
)

const (
	maxTitleLen = 500
	minPriority = 0
	maxPriority = 4
)

type CellType string

const (
	TypeBug     CellType = "bug"
	TypeFeature CellType = "feature"
	TypeTask    CellType = "task"
	TypeEpic    CellType = "epic"
	TypeChore   CellType = "chore"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// Cell is a projected work-unit row.
type Cell struct {
	ID              string
	ProjectKey      string
	Type            CellType
	Status          Status
	Title           string
	Description     string
	Priority        int
	ParentID        string
	Assignee        string
	CreatedAtMs     int64
	UpdatedAtMs     int64
	ClosedAtMs      *int64
	ClosedReason    string
	TombstonedAtMs  *int64
	TombstoneReason string
}

// Dependency is an edge in the dependency graph (spec §9: edges are rows,
// not nested objects).
type Dependency struct {
	CellID       string
	DependsOnID  string
	Relationship string
}

// Comment is a bead_comments row.
type Comment struct {
	ID          string
	CellID      string
	Author      string
	Body        string
	CreatedAtMs int64
}

// Store creates and reads cells through the Log Store.
type Store struct {
	db  *sql.DB
	log *eventlog.LogStore
}

func NewStore(db *sql.DB, log *eventlog.LogStore) *Store {
	return &Store{db: db, log: log}
}

// NewRootID builds a root cell id of the form {project}-{hash} (spec §3).
// The hash mixes a random UUID in with the project and title, so every call
// returns a new id, even for the same project and title.
func NewRootID(projectKey, title string) string {
	sum := sha1.Sum([]byte(projectKey + "|" + title + "|" + uuid.NewString()))
	return fmt.Sprintf("%s-%s", projectKey, hex.EncodeToString(sum[:])[:8])
}

// NewChildID derives a subtask id from its parent and ordinal index:
// {parent}.{index} (spec §3).
func NewChildID(parentID string, index int) string {
	return fmt.Sprintf("%s.%d", parentID, index)
}

// Create appends cell_created for a new cell (root or child).
func (s *Store) Create(ctx context.Context, projectKey, id string, typ CellType, title, description string, priority int, parentID, assignee string) (Cell, error) {
	if title == "" {
		return Cell{}, apperrors.NewValidationError("title", "required")
	}
	if len(title) > maxTitleLen {
		return Cell{}, apperrors.NewValidationError("title", fmt.Sprintf("exceeds %d characters", maxTitleLen))
	}
	if priority < minPriority || priority > maxPriority {
		return Cell{}, apperrors.NewValidationError("priority", fmt.Sprintf("must be in [%d,%d]", minPriority, maxPriority))
	}

	evt, err := s.log.Append(ctx, projectKey, eventlog.TypeCellCreated, map[string]any{
		"id":          id,
		"type":        string(typ),
		"title":       title,
		"description": description,
		"priority":    priority,
		"parent_id":   parentID,
		"assignee":    assignee,
	})
	if err != nil {
		return Cell{}, err
	}
	if parentID != "" {
		if _, err := s.log.Append(ctx, projectKey, eventlog.TypeCellEpicChildAdded, map[string]any{
			"parent_id": parentID,
			"child_id":  id,
		}); err != nil {
			return Cell{}, err
		}
	}
	return s.Get(ctx, projectKey, id, evt.Timestamp)
}

// Update appends cell_updated carrying only the provided (non-nil) fields.
func (s *Store) Update(ctx context.Context, projectKey, id string, title, description *string, priority *int, assignee *string) error {
	data := map[string]any{"id": id}
	if title != nil {
		if len(*title) > maxTitleLen {
			return apperrors.NewValidationError("title", fmt.Sprintf("exceeds %d characters", maxTitleLen))
		}
		data["title"] = *title
	}
	if description != nil {
		data["description"] = *description
	}
	if priority != nil {
		if *priority < minPriority || *priority > maxPriority {
			return apperrors.NewValidationError("priority", fmt.Sprintf("must be in [%d,%d]", minPriority, maxPriority))
		}
		data["priority"] = *priority
	}
	if assignee != nil {
		data["assignee"] = *assignee
	}
	_, err := s.log.Append(ctx, projectKey, eventlog.TypeCellUpdated, data)
	return err
}

// SetStatus appends cell_status_changed, and, for closed, cell_closed.
func (s *Store) SetStatus(ctx context.Context, projectKey, id string, status Status, closedReason string) error {
	if _, err := s.log.Append(ctx, projectKey, eventlog.TypeCellStatusChanged, map[string]any{
		"id":     id,
		"status": string(status),
	}); err != nil {
		return err
	}
	if status == StatusClosed {
		if _, err := s.log.Append(ctx, projectKey, eventlog.TypeCellClosed, map[string]any{
			"id":     id,
			"reason": closedReason,
		}); err != nil {
			return err
		}
		return s.checkEpicClosure(ctx, projectKey, id)
	}
	return nil
}

// Reopen appends cell_reopened, clearing closed_at/closed_reason.
func (s *Store) Reopen(ctx context.Context, projectKey, id string) error {
	_, err := s.log.Append(ctx, projectKey, eventlog.TypeCellReopened, map[string]any{"id": id})
	return err
}

// Tombstone marks a cell tombstoned, excluding it from default queries.
func (s *Store) Tombstone(ctx context.Context, projectKey, id, reason string) error {
	_, err := s.log.Append(ctx, projectKey, eventlog.TypeCellDeleted, map[string]any{
		"id":     id,
		"reason": reason,
	})
	return err
}

// AddDependency appends cell_dependency_added.
func (s *Store) AddDependency(ctx context.Context, projectKey, cellID, dependsOnID, relationship string) error {
	if relationship == "" {
		relationship = "blocks"
	}
	_, err := s.log.Append(ctx, projectKey, eventlog.TypeCellDependencyAdded, map[string]any{
		"cell_id":       cellID,
		"depends_on_id": dependsOnID,
		"relationship":  relationship,
	})
	return err
}

// RemoveDependency appends cell_dependency_removed.
func (s *Store) RemoveDependency(ctx context.Context, projectKey, cellID, dependsOnID, relationship string) error {
	_, err := s.log.Append(ctx, projectKey, eventlog.TypeCellDependencyRemoved, map[string]any{
		"cell_id":       cellID,
		"depends_on_id": dependsOnID,
		"relationship":  relationship,
	})
	return err
}

// AddLabel appends cell_label_added.
func (s *Store) AddLabel(ctx context.Context, projectKey, cellID, label string) error {
	_, err := s.log.Append(ctx, projectKey, eventlog.TypeCellLabelAdded, map[string]any{
		"cell_id": cellID,
		"label":   label,
	})
	return err
}

// RemoveLabel appends cell_label_removed.
func (s *Store) RemoveLabel(ctx context.Context, projectKey, cellID, label string) error {
	_, err := s.log.Append(ctx, projectKey, eventlog.TypeCellLabelRemoved, map[string]any{
		"cell_id": cellID,
		"label":   label,
	})
	return err
}

// AddComment appends cell_comment_added.
func (s *Store) AddComment(ctx context.Context, projectKey, cellID, author, body string) (string, error) {
	id := uuid.NewString()
	_, err := s.log.Append(ctx, projectKey, eventlog.TypeCellCommentAdded, map[string]any{
		"id":      id,
		"cell_id": cellID,
		"author":  author,
		"body":    body,
	})
	return id, err
}

// Assign appends cell_assigned.
func (s *Store) Assign(ctx context.Context, projectKey, cellID, assignee string) error {
	_, err := s.log.Append(ctx, projectKey, eventlog.TypeCellAssigned, map[string]any{
		"cell_id":  cellID,
		"assignee": assignee,
	})
	return err
}

// WorkStarted appends cell_work_started, transitioning the cell to in_progress.
func (s *Store) WorkStarted(ctx context.Context, projectKey, cellID string) error {
	if _, err := s.log.Append(ctx, projectKey, eventlog.TypeCellWorkStarted, map[string]any{"cell_id": cellID}); err != nil {
		return err
	}
	return s.SetStatus(ctx, projectKey, cellID, StatusInProgress, "")
}

// checkEpicClosure evaluates, for the closed cell's parent (if any and if
// the parent is an epic), whether every non-tombstoned child is now closed;
// if so it emits cell_epic_closure_eligible (spec §4.5's "Epic closure").
// Actual closure remains an explicit coordinator action (spec §9 Open
// Question (c)).
func (s *Store) checkEpicClosure(ctx context.Context, projectKey, closedID string) error {
	cell, err := s.getRaw(ctx, projectKey, closedID)
	if err != nil {
		if err == apperrors.ErrNotFound {
			return nil
		}
		return err
	}
	if cell.ParentID == "" {
		return nil
	}
	parent, err := s.getRaw(ctx, projectKey, cell.ParentID)
	if err != nil {
		return nil
	}
	if parent.Type != TypeEpic {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, tombstoned_at_ms FROM cells WHERE parent_id = $1`,
		parent.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: list children: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	allClosed := true
	for rows.Next() {
		var status string
		var tombstoned *int64
		if err := rows.Scan(&status, &tombstoned); err != nil {
			return fmt.Errorf("%w: scan child: %v", apperrors.ErrStorageUnavailable, err)
		}
		if tombstoned != nil {
			continue
		}
		if status != string(StatusClosed) {
			allClosed = false
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !allClosed {
		return nil
	}

	_, err = s.log.Append(ctx, projectKey, eventlog.TypeCellEpicClosureEligible, map[string]any{
		"epic_id": parent.ID,
	})
	return err
}

// Get returns a cell by id. fallbackAtMs is not used: a row that is not yet
// visible yields apperrors.ErrNotFound.
func (s *Store) Get(ctx context.Context, projectKey, id string, fallbackAtMs int64) (Cell, error) {
	return s.getRaw(ctx, projectKey, id)
}

func (s *Store) getRaw(ctx context.Context, projectKey, id string) (Cell, error) {
	var c Cell
	var typ, status string
	var parentID, assignee, description, closedReason, tombstoneReason sql.NullString
	var closedAt, tombstonedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_key, type, status, title, description, priority, parent_id, assignee,
		        created_at_ms, updated_at_ms, closed_at_ms, closed_reason, tombstoned_at_ms, tombstone_reason
		   FROM cells WHERE project_key = $1 AND id = $2`,
		projectKey, id,
	).Scan(&c.ID, &c.ProjectKey, &typ, &status, &c.Title, &description, &c.Priority, &parentID, &assignee,
		&c.CreatedAtMs, &c.UpdatedAtMs, &closedAt, &closedReason, &tombstonedAt, &tombstoneReason)
	if err == sql.ErrNoRows {
		return Cell{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Cell{}, fmt.Errorf("%w: get cell: %v", apperrors.ErrStorageUnavailable, err)
	}
	c.Type = CellType(typ)
	c.Status = Status(status)
	c.ParentID = parentID.String
	c.Assignee = assignee.String
	c.Description = description.String
	c.ClosedReason = closedReason.String
	c.TombstoneReason = tombstoneReason.String
	if closedAt.Valid {
		v := closedAt.Int64
		c.ClosedAtMs = &v
	}
	if tombstonedAt.Valid {
		v := tombstonedAt.Int64
		c.TombstonedAtMs = &v
	}
	return c, nil
}

// List returns non-tombstoned cells for a project, optionally filtered by status.
func (s *Store) List(ctx context.Context, projectKey string, status Status) ([]Cell, error) {
	query := `SELECT id, project_key, type, status, title, description, priority, parent_id, assignee,
	                 created_at_ms, updated_at_ms, closed_at_ms, closed_reason, tombstoned_at_ms, tombstone_reason
	            FROM cells WHERE project_key = $1 AND tombstoned_at_ms IS NULL`
	args := []any{projectKey}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority ASC, created_at_ms ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list cells: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []Cell
	for rows.Next() {
		var c Cell
		var typ, statusStr string
		var parentID, assignee, description, closedReason, tombstoneReason sql.NullString
		var closedAt, tombstonedAt sql.NullInt64
		if err := rows.Scan(&c.ID, &c.ProjectKey, &typ, &statusStr, &c.Title, &description, &c.Priority, &parentID, &assignee,
			&c.CreatedAtMs, &c.UpdatedAtMs, &closedAt, &closedReason, &tombstonedAt, &tombstoneReason); err != nil {
			return nil, fmt.Errorf("%w: scan cell: %v", apperrors.ErrStorageUnavailable, err)
		}
		c.Type = CellType(typ)
		c.Status = Status(statusStr)
		c.ParentID = parentID.String
		c.Assignee = assignee.String
		c.Description = description.String
		c.ClosedReason = closedReason.String
		c.TombstoneReason = tombstoneReason.String
		if closedAt.Valid {
			v := closedAt.Int64
			c.ClosedAtMs = &v
		}
		if tombstonedAt.Valid {
			v := tombstonedAt.Int64
			c.TombstonedAtMs = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
