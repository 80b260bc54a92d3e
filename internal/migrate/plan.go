package migrate

import (
	"context"
	"fmt"
)

// Action is what a stray database should have happen to it.
type Action string

const (
	ActionMigrate Action = "migrate"
	ActionSkip    Action = "skip"
)

// Plan is the detect-before-you-act summary spec §4.8 requires interactive
// mode to print before executing anything.
type Plan struct {
	Path          string
	Schema        Schema
	Action        Action
	EstimatedRows int64
	Reason        string
}

// BuildPlan opens each stray database just long enough to classify its
// schema and estimate its row count, without migrating anything.
func BuildPlan(ctx context.Context, paths []string) ([]Plan, error) {
	plans := make([]Plan, 0, len(paths))
	for _, path := range paths {
		p, err := planOne(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", path, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func planOne(ctx context.Context, path string) (Plan, error) {
	db, err := openStray(path)
	if err != nil {
		return Plan{}, err
	}
	defer db.Close()

	names, err := tableNames(ctx, db)
	if err != nil {
		return Plan{}, err
	}
	schema := classifySchema(names)

	var estimated int64
	for _, m := range tableMappings {
		if _, ok := names[m.srcTable]; !ok {
			continue
		}
		var n int64
		row := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, m.srcTable))
		if err := row.Scan(&n); err == nil {
			estimated += n
		}
	}

	switch schema {
	case SchemaUnknown:
		return Plan{Path: path, Schema: schema, Action: ActionSkip, Reason: "unrecognized schema: neither events+agents+messages nor bead_events present"}, nil
	case SchemaLegacy:
		return Plan{Path: path, Schema: schema, Action: ActionMigrate, EstimatedRows: estimated, Reason: "legacy schema, column-intersection copy for any table names that overlap the current layout"}, nil
	default:
		return Plan{Path: path, Schema: schema, Action: ActionMigrate, EstimatedRows: estimated, Reason: "modern schema, full table-by-table copy"}, nil
	}
}
