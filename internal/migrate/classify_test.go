package migrate

import "testing"

func TestClassifySchema(t *testing.T) {
	cases := []struct {
		name  string
		names []string
		want  Schema
	}{
		{"modern", []string{"events", "agents", "messages", "reservations"}, SchemaModern},
		{"legacy", []string{"bead_events", "beads"}, SchemaLegacy},
		{"unknown", []string{"something_else"}, SchemaUnknown},
		{"empty", nil, SchemaUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			set := make(map[string]struct{}, len(c.names))
			for _, n := range c.names {
				set[n] = struct{}{}
			}
			if got := classifySchema(set); got != c.want {
				t.Errorf("classifySchema(%v) = %v, want %v", c.names, got, c.want)
			}
		})
	}
}

func TestIsExcluded(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{".opencode/project.db", false},
		{".opencode/project.db.migrated", true},
		{".hive/old.db.backup-20260101", true},
		{"packages/foo/.opencode/bar.db", false},
	}
	for _, c := range cases {
		if got := isExcluded(c.path); got != c.want {
			t.Errorf("isExcluded(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}
