package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Schema classifies a stray database's layout (spec §4.8).
type Schema string

const (
	SchemaModern  Schema = "modern"
	SchemaLegacy  Schema = "legacy"
	SchemaUnknown Schema = "unknown"
)

// openStray opens path read-only through the pure-Go sqlite driver.
func openStray(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open stray db %s: %w", path, err)
	}
	return db, nil
}

// tableNames lists every table in the sqlite_master of db.
func tableNames(ctx context.Context, db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names[name] = struct{}{}
	}
	return names, rows.Err()
}

// classifySchema determines whether a stray database is the modern layout
// (events+agents+messages), the legacy layout (bead_events), or unknown.
func classifySchema(names map[string]struct{}) Schema {
	has := func(n string) bool { _, ok := names[n]; return ok }
	switch {
	case has("events") && has("agents") && has("messages"):
		return SchemaModern
	case has("bead_events"):
		return SchemaLegacy
	default:
		return SchemaUnknown
	}
}
