package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
)

// tableMapping describes one destination table and the PostgreSQL
// conflict target used for "global wins" INSERT OR IGNORE semantics (spec
// §4.8: "global wins; auto-assigned ids avoid primary key collisions").
// columns is the destination's full column list; only the columns a given
// stray database's source table actually has are copied, so a legacy
// table missing a newer column still migrates its overlapping data.
type tableMapping struct {
	srcTable   string
	destTable  string
	columns    []string
	conflictOn []string
}

var tableMappings = []tableMapping{
	{
		srcTable:  "events",
		destTable: "events",
		columns:   []string{"id", "project_key", "sequence", "type", "data", "created_at_ms"},
		conflictOn: []string{"project_key", "sequence"},
	},
	{
		srcTable:   "agents",
		destTable:  "agents",
		columns:    []string{"project_key", "name", "program", "model", "task_description", "registered_at_ms", "last_active_at_ms"},
		conflictOn: []string{"project_key", "name"},
	},
	{
		srcTable:   "messages",
		destTable:  "messages",
		columns:    []string{"id", "project_key", "from_agent", "subject", "body", "thread_id", "importance", "ack_required", "classification", "created_at_ms"},
		conflictOn: []string{"id"},
	},
	{
		srcTable:   "message_recipients",
		destTable:  "message_recipients",
		columns:    []string{"message_id", "agent_name", "read_at_ms", "acked_at_ms"},
		conflictOn: []string{"message_id", "agent_name"},
	},
	{
		srcTable:   "reservations",
		destTable:  "reservations",
		columns:    []string{"id", "project_key", "agent_name", "path_pattern", "exclusive", "reason", "created_at_ms", "expires_at_ms", "released_at_ms", "lock_holder_id"},
		conflictOn: []string{"id"},
	},
	{
		srcTable:   "beads",
		destTable:  "cells",
		columns:    []string{"id", "project_key", "type", "status", "title", "description", "priority", "parent_id", "assignee", "created_at_ms", "updated_at_ms", "closed_at_ms", "closed_reason", "tombstoned_at_ms", "tombstone_reason"},
		conflictOn: []string{"id"},
	},
	{
		srcTable:   "bead_dependencies",
		destTable:  "bead_dependencies",
		columns:    []string{"cell_id", "depends_on_id", "relationship", "created_at_ms"},
		conflictOn: []string{"cell_id", "depends_on_id", "relationship"},
	},
	{
		srcTable:   "bead_labels",
		destTable:  "bead_labels",
		columns:    []string{"cell_id", "label", "created_at_ms"},
		conflictOn: []string{"cell_id", "label"},
	},
	{
		srcTable:   "bead_comments",
		destTable:  "bead_comments",
		columns:    []string{"id", "cell_id", "author", "body", "created_at_ms"},
		conflictOn: []string{"id"},
	},
	{
		srcTable:   "deferred",
		destTable:  "deferred",
		columns:    []string{"url", "project_key", "resolved", "value", "error", "expires_at_ms", "created_at_ms"},
		conflictOn: []string{"url"},
	},
	{
		srcTable:   "cursors",
		destTable:  "cursors",
		columns:    []string{"stream_name", "checkpoint", "position", "updated_at_ms"},
		conflictOn: []string{"stream_name"},
	},
}

// TableReport is the per-table outcome of one migration pass.
type TableReport struct {
	Table    string
	Migrated int64
	Skipped  int64
	Errors   []string
}

// Report is the result of migrating one stray database.
type Report struct {
	Path   string
	Tables []TableReport
}

// Migrator copies stray-database rows into the pooled PostgreSQL store.
type Migrator struct {
	dest *sql.DB
}

func NewMigrator(dest *sql.DB) *Migrator {
	return &Migrator{dest: dest}
}

// Migrate copies every mapped table present in the stray database at path
// into dest using INSERT ... ON CONFLICT DO NOTHING (the "global wins"
// rule), then renames the source with a `.migrated` suffix on success. A
// partial per-row failure is recorded in that table's Errors and does not
// abort the rest of the migration.
func (m *Migrator) Migrate(ctx context.Context, path string) (Report, error) {
	src, err := openStray(path)
	if err != nil {
		return Report{}, err
	}
	defer src.Close()

	names, err := tableNames(ctx, src)
	if err != nil {
		return Report{}, err
	}

	report := Report{Path: path}
	for _, mapping := range tableMappings {
		if _, ok := names[mapping.srcTable]; !ok {
			continue
		}
		tr, err := m.copyTable(ctx, src, mapping)
		if err != nil {
			return report, fmt.Errorf("copy table %s: %w", mapping.srcTable, err)
		}
		report.Tables = append(report.Tables, tr)
	}

	if err := os.Rename(path, path+".migrated"); err != nil {
		return report, fmt.Errorf("rename migrated source %s: %w", path, err)
	}
	return report, nil
}

// copyTable intersects mapping.columns with the source table's actual
// columns (PRAGMA table_info), reads every row over that intersection, and
// inserts each one into dest with ON CONFLICT DO NOTHING.
func (m *Migrator) copyTable(ctx context.Context, src *sql.DB, mapping tableMapping) (TableReport, error) {
	tr := TableReport{Table: mapping.destTable}

	srcCols, err := columnSet(ctx, src, mapping.srcTable)
	if err != nil {
		return tr, err
	}

	var cols []string
	for _, c := range mapping.columns {
		if _, ok := srcCols[c]; ok {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return tr, nil
	}

	selectSQL := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(cols, ", "), mapping.srcTable)
	rows, err := src.QueryContext(ctx, selectSQL)
	if err != nil {
		return tr, fmt.Errorf("select from %s: %w", mapping.srcTable, err)
	}
	defer rows.Close()

	insertSQL := buildInsertSQL(mapping.destTable, cols, mapping.conflictOn)

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			tr.Errors = append(tr.Errors, fmt.Sprintf("scan row: %v", err))
			continue
		}
		res, err := m.dest.ExecContext(ctx, insertSQL, vals...)
		if err != nil {
			tr.Errors = append(tr.Errors, fmt.Sprintf("insert row: %v", err))
			continue
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			tr.Migrated++
		} else {
			tr.Skipped++
		}
	}
	if err := rows.Err(); err != nil {
		tr.Errors = append(tr.Errors, fmt.Sprintf("iterate rows: %v", err))
	}
	return tr, nil
}

func buildInsertSQL(table string, cols []string, conflictOn []string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING`,
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflictOn, ", "),
	)
}

func columnSet(ctx context.Context, db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("table_info(%s): %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dfltValue any
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info row: %w", err)
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}
