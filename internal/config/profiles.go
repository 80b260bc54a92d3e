package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// WorkerProfile names a (program, model) pair a worker is spawned with,
// plus the max iterations the executor should allow before forcing a
// conclusion. Structurally a trimmed descendant of tarsy's
// pkg/config.AgentConfig (program/model/max_iterations), minus the fields
// (MCP servers, native tools, orchestrator knobs) that belong to the
// out-of-scope LLM collaborator rather than this spec's worker state
// machine.
type WorkerProfile struct {
	Program       string `yaml:"program"`
	Model         string `yaml:"model"`
	MaxIterations int    `yaml:"max_iterations,omitempty"`
	CustomPrompt  string `yaml:"custom_prompt,omitempty"`
	Description   string `yaml:"description,omitempty"`
}

// ProfileRegistry holds named worker profiles loaded from a YAML file,
// resolved by swarmlogctl's `queue submit --profile`. swarmlogd does not
// load profiles.
// Mirrors the read-mostly, mutex-guarded shape of tarsy's AgentRegistry.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]WorkerProfile
	def      string
}

// NewProfileRegistry builds a registry from a loaded profile map. defaultName
// selects the profile Resolve("") falls back to; when non-empty it must be
// present in profiles, even if profiles is empty.
func NewProfileRegistry(profiles map[string]WorkerProfile, defaultName string) (*ProfileRegistry, error) {
	if defaultName != "" {
		if _, ok := profiles[defaultName]; !ok {
			return nil, fmt.Errorf("config: default profile %q not found", defaultName)
		}
	}
	copied := make(map[string]WorkerProfile, len(profiles))
	for k, v := range profiles {
		copied[k] = v
	}
	return &ProfileRegistry{profiles: copied, def: defaultName}, nil
}

// Resolve returns the named profile, or the registry's default when name is
// empty, or ok=false when neither is found.
func (r *ProfileRegistry) Resolve(name string) (WorkerProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.def
	}
	p, ok := r.profiles[name]
	return p, ok
}

// Names returns every registered profile name, in no particular order;
// `queue submit` lists them when --profile names an unknown profile.
func (r *ProfileRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}

// profilesFile is the on-disk shape of a worker-profiles YAML document:
//
//	default: coder
//	profiles:
//	  coder:
//	    program: claude-code
//	    model: sonnet
//	  reviewer:
//	    program: claude-code
//	    model: opus
//	    max_iterations: 5
type profilesFile struct {
	Default  string                   `yaml:"default"`
	Profiles map[string]WorkerProfile `yaml:"profiles"`
}

// LoadProfilesFile reads a worker-profiles YAML file (see profilesFile for
// the document shape). A missing file is not an error: callers get an empty
// registry and every spawn must specify program/model explicitly.
func LoadProfilesFile(path string) (*ProfileRegistry, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewProfileRegistry(nil, "")
	}
	if err != nil {
		return nil, fmt.Errorf("config: read profiles file %s: %w", path, err)
	}

	var doc profilesFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("config: parse profiles file %s: %w", path, err)
	}
	return NewProfileRegistry(doc.Profiles, doc.Default)
}
