package cells

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/swarmlog/swarmlog/internal/apperrors"
	"github.com/swarmlog/swarmlog/internal/eventlog"
)

// Projection mirrors the full cell event set onto the cells, bead_dependencies,
// bead_labels, and bead_comments tables (spec §4.1: "Cell events mirror the
// cell lifecycle onto a cells projection").
func Projection() eventlog.ProjectionApplier {
	return func(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
		switch evt.Type {
		case eventlog.TypeCellCreated:
			return applyCreated(ctx, tx, evt)
		case eventlog.TypeCellUpdated:
			return applyUpdated(ctx, tx, evt)
		case eventlog.TypeCellStatusChanged:
			return applyStatusChanged(ctx, tx, evt)
		case eventlog.TypeCellClosed:
			return applyClosed(ctx, tx, evt)
		case eventlog.TypeCellReopened:
			return applyReopened(ctx, tx, evt)
		case eventlog.TypeCellDeleted:
			return applyTombstoned(ctx, tx, evt)
		case eventlog.TypeCellDependencyAdded:
			return applyDependencyAdded(ctx, tx, evt)
		case eventlog.TypeCellDependencyRemoved:
			return applyDependencyRemoved(ctx, tx, evt)
		case eventlog.TypeCellLabelAdded:
			return applyLabelAdded(ctx, tx, evt)
		case eventlog.TypeCellLabelRemoved:
			return applyLabelRemoved(ctx, tx, evt)
		case eventlog.TypeCellCommentAdded:
			return applyCommentAdded(ctx, tx, evt)
		case eventlog.TypeCellAssigned:
			return applyAssigned(ctx, tx, evt)
		default:
			return nil
		}
	}
}

func applyCreated(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	id, _ := evt.Data["id"].(string)
	typ, _ := evt.Data["type"].(string)
	title, _ := evt.Data["title"].(string)
	description, _ := evt.Data["description"].(string)
	priority := toInt(evt.Data["priority"])
	parentID, _ := evt.Data["parent_id"].(string)
	assignee, _ := evt.Data["assignee"].(string)

	_, err := tx.ExecContext(ctx,
		`INSERT INTO cells (id, project_key, type, status, title, description, priority, parent_id, assignee, created_at_ms, updated_at_ms)
		 VALUES ($1, $2, $3, 'open', $4, $5, $6, $7, $8, $9, $9)`,
		id, evt.ProjectKey, typ, title, description, priority, nullIfEmpty(parentID), nullIfEmpty(assignee), evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: apply cell_created: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyUpdated(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	id, _ := evt.Data["id"].(string)
	if title, ok := evt.Data["title"].(string); ok {
		if _, err := tx.ExecContext(ctx, `UPDATE cells SET title = $2, updated_at_ms = $3 WHERE id = $1`, id, title, evt.Timestamp); err != nil {
			return fmt.Errorf("%w: apply cell_updated (title): %v", apperrors.ErrStorageUnavailable, err)
		}
	}
	if description, ok := evt.Data["description"].(string); ok {
		if _, err := tx.ExecContext(ctx, `UPDATE cells SET description = $2, updated_at_ms = $3 WHERE id = $1`, id, description, evt.Timestamp); err != nil {
			return fmt.Errorf("%w: apply cell_updated (description): %v", apperrors.ErrStorageUnavailable, err)
		}
	}
	if _, ok := evt.Data["priority"]; ok {
		priority := toInt(evt.Data["priority"])
		if _, err := tx.ExecContext(ctx, `UPDATE cells SET priority = $2, updated_at_ms = $3 WHERE id = $1`, id, priority, evt.Timestamp); err != nil {
			return fmt.Errorf("%w: apply cell_updated (priority): %v", apperrors.ErrStorageUnavailable, err)
		}
	}
	if assignee, ok := evt.Data["assignee"].(string); ok {
		if _, err := tx.ExecContext(ctx, `UPDATE cells SET assignee = $2, updated_at_ms = $3 WHERE id = $1`, id, nullIfEmpty(assignee), evt.Timestamp); err != nil {
			return fmt.Errorf("%w: apply cell_updated (assignee): %v", apperrors.ErrStorageUnavailable, err)
		}
	}
	return nil
}

func applyStatusChanged(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	id, _ := evt.Data["id"].(string)
	status, _ := evt.Data["status"].(string)
	_, err := tx.ExecContext(ctx, `UPDATE cells SET status = $2, updated_at_ms = $3 WHERE id = $1`, id, status, evt.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: apply cell_status_changed: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyClosed(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	id, _ := evt.Data["id"].(string)
	reason, _ := evt.Data["reason"].(string)
	_, err := tx.ExecContext(ctx,
		`UPDATE cells SET status = 'closed', closed_at_ms = $2, closed_reason = $3, updated_at_ms = $2 WHERE id = $1`,
		id, evt.Timestamp, nullIfEmpty(reason),
	)
	if err != nil {
		return fmt.Errorf("%w: apply cell_closed: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyReopened(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	id, _ := evt.Data["id"].(string)
	_, err := tx.ExecContext(ctx,
		`UPDATE cells SET status = 'open', closed_at_ms = NULL, closed_reason = NULL, updated_at_ms = $2 WHERE id = $1`,
		id, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: apply cell_reopened: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyTombstoned(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	id, _ := evt.Data["id"].(string)
	reason, _ := evt.Data["reason"].(string)
	_, err := tx.ExecContext(ctx,
		`UPDATE cells SET tombstoned_at_ms = $2, tombstone_reason = $3, updated_at_ms = $2 WHERE id = $1`,
		id, evt.Timestamp, nullIfEmpty(reason),
	)
	if err != nil {
		return fmt.Errorf("%w: apply cell_deleted: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyDependencyAdded(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	cellID, _ := evt.Data["cell_id"].(string)
	dependsOnID, _ := evt.Data["depends_on_id"].(string)
	relationship, _ := evt.Data["relationship"].(string)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO bead_dependencies (cell_id, depends_on_id, relationship, created_at_ms) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cell_id, depends_on_id, relationship) DO NOTHING`,
		cellID, dependsOnID, relationship, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: apply cell_dependency_added: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyDependencyRemoved(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	cellID, _ := evt.Data["cell_id"].(string)
	dependsOnID, _ := evt.Data["depends_on_id"].(string)
	relationship, _ := evt.Data["relationship"].(string)
	_, err := tx.ExecContext(ctx,
		`DELETE FROM bead_dependencies WHERE cell_id = $1 AND depends_on_id = $2 AND relationship = $3`,
		cellID, dependsOnID, relationship,
	)
	if err != nil {
		return fmt.Errorf("%w: apply cell_dependency_removed: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyLabelAdded(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	cellID, _ := evt.Data["cell_id"].(string)
	label, _ := evt.Data["label"].(string)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO bead_labels (cell_id, label, created_at_ms) VALUES ($1, $2, $3) ON CONFLICT (cell_id, label) DO NOTHING`,
		cellID, label, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: apply cell_label_added: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyLabelRemoved(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	cellID, _ := evt.Data["cell_id"].(string)
	label, _ := evt.Data["label"].(string)
	_, err := tx.ExecContext(ctx, `DELETE FROM bead_labels WHERE cell_id = $1 AND label = $2`, cellID, label)
	if err != nil {
		return fmt.Errorf("%w: apply cell_label_removed: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyCommentAdded(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	id, _ := evt.Data["id"].(string)
	cellID, _ := evt.Data["cell_id"].(string)
	author, _ := evt.Data["author"].(string)
	body, _ := evt.Data["body"].(string)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO bead_comments (id, cell_id, author, body, created_at_ms) VALUES ($1, $2, $3, $4, $5)`,
		id, cellID, author, body, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: apply cell_comment_added: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyAssigned(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	cellID, _ := evt.Data["cell_id"].(string)
	assignee, _ := evt.Data["assignee"].(string)
	_, err := tx.ExecContext(ctx,
		`UPDATE cells SET assignee = $2, updated_at_ms = $3 WHERE id = $1`,
		cellID, nullIfEmpty(assignee), evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: apply cell_assigned: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
