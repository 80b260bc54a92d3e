// Package migrate implements the Consolidation/Migration component (spec
// §4.8): it finds stray per-subdirectory SQLite logs left behind by older,
// per-project installations and folds them into the global PostgreSQL log
// with conflict-skip ("global wins") semantics. Stray-database reads go
// through modernc.org/sqlite (pure Go, no cgo), grounded on
// jra3-linear-fuse's internal/db.Store, which opens its cache the same way;
// the destination store stays the pooled PostgreSQL client used everywhere
// else in this system.
package migrate

import (
	"path/filepath"
	"sort"
	"strings"
)

// strayGlobs are the conventional locations legacy per-project installs
// left their SQLite logs at (spec §4.8).
var strayGlobs = []string{
	".opencode/*.db",
	".hive/*.db",
	"packages/*/.opencode/*.db",
}

// Discover walks root for stray database files matching strayGlobs,
// excluding anything already migrated (`.migrated` suffix) or backed up
// (`.backup-*` suffix).
func Discover(root string) ([]string, error) {
	seen := make(map[string]struct{})
	var paths []string
	for _, pattern := range strayGlobs {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if isExcluded(m) {
				continue
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			paths = append(paths, m)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func isExcluded(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".migrated") {
		return true
	}
	if strings.Contains(base, ".backup-") {
		return true
	}
	return false
}
