package migrate

import (
	"context"
	"database/sql"
	"fmt"
)

// RunOptions controls one consolidation pass (spec §4.8).
type RunOptions struct {
	// Root is the directory strays are discovered under.
	Root string
	// Unattended executes the plan immediately ({yes: true}); when false,
	// callers are expected to present Plan() findings before calling
	// Execute themselves.
	Unattended bool
}

// Result is the outcome of a full consolidation pass.
type Result struct {
	Plans   []Plan
	Reports []Report
}

// DetectAndPlan discovers strays under opts.Root and classifies each
// without touching any data — the "interactive mode lists findings before
// proceeding" half of spec §4.8.
func DetectAndPlan(ctx context.Context, opts RunOptions) ([]Plan, error) {
	paths, err := Discover(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("discover strays: %w", err)
	}
	return BuildPlan(ctx, paths)
}

// Execute migrates every plan entry with Action == ActionMigrate, skipping
// the rest. It's the unattended ({yes: true}) half of spec §4.8.
func Execute(ctx context.Context, dest *sql.DB, plans []Plan) ([]Report, error) {
	m := NewMigrator(dest)
	reports := make([]Report, 0, len(plans))
	for _, p := range plans {
		if p.Action != ActionMigrate {
			continue
		}
		r, err := m.Migrate(ctx, p.Path)
		if err != nil {
			return reports, fmt.Errorf("migrate %s: %w", p.Path, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Run performs a full consolidation pass: discover, classify, and (only
// when opts.Unattended) migrate every plan entry in one call. Interactive
// callers should use DetectAndPlan to show findings, then Execute once the
// operator confirms.
func Run(ctx context.Context, dest *sql.DB, opts RunOptions) (Result, error) {
	plans, err := DetectAndPlan(ctx, opts)
	if err != nil {
		return Result{}, err
	}
	result := Result{Plans: plans}
	if !opts.Unattended {
		return result, nil
	}
	reports, err := Execute(ctx, dest, plans)
	if err != nil {
		return result, err
	}
	result.Reports = reports
	return result, nil
}
