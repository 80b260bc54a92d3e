package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProfilesFileMissing(t *testing.T) {
	registry, err := LoadProfilesFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadProfilesFile() error = %v, want nil", err)
	}
	if _, ok := registry.Resolve(""); ok {
		t.Errorf("Resolve(\"\") on empty registry = ok, want not found")
	}
}

func TestLoadProfilesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker-profiles.yaml")
	doc := `
default: coder
profiles:
  coder:
    program: claude-code
    model: sonnet
  reviewer:
    program: claude-code
    model: opus
    max_iterations: 5
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	registry, err := LoadProfilesFile(path)
	if err != nil {
		t.Fatalf("LoadProfilesFile() error = %v", err)
	}

	def, ok := registry.Resolve("")
	if !ok {
		t.Fatal("Resolve(\"\") not found, want default profile")
	}
	if def.Program != "claude-code" || def.Model != "sonnet" {
		t.Errorf("Resolve(\"\") = %+v, want coder profile", def)
	}

	reviewer, ok := registry.Resolve("reviewer")
	if !ok {
		t.Fatal("Resolve(\"reviewer\") not found")
	}
	if reviewer.MaxIterations != 5 {
		t.Errorf("reviewer.MaxIterations = %d, want 5", reviewer.MaxIterations)
	}

	if _, ok := registry.Resolve("unknown"); ok {
		t.Error("Resolve(\"unknown\") = ok, want not found")
	}
}

func TestNewProfileRegistryUnknownDefault(t *testing.T) {
	_, err := NewProfileRegistry(map[string]WorkerProfile{"coder": {Program: "x"}}, "missing")
	if err == nil {
		t.Fatal("NewProfileRegistry() error = nil, want error for unknown default")
	}
}
