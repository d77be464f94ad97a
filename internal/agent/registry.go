package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/duraloop/duraloop/pkg/models"
)

// Registry loads models.Agent specs from a directory of YAML files (one
// agent per file) and resolves them by name, implementing AgentResolver
// for the Dispatcher and the HTTP surface. Adapted from the prior implementation's
// multiagent.LoadConfig/ParseConfigYAML directory-loading idiom, traded
// for plain per-agent YAML documents since models.Agent is already
// yaml-tagged, rather than bespoke AGENTS.md markdown
// format.
type Registry struct {
	mu sync.RWMutex
	agents map[string]models.Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]models.Agent)}
}

// LoadDir reads every *.yaml/*.yml file directly under dir and
// registers the models.Agent decoded from it. A later file whose Name
// collides with an earlier one overwrites it.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("agent: read agents dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("agent: read %s: %w", path, err)
		}
		var spec models.Agent
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("agent: parse %s: %w", path, err)
		}
		if strings.TrimSpace(spec.Name) == "" {
			return fmt.Errorf("agent: %s has no name", path)
		}
		if err := r.Put(spec); err != nil {
			return fmt.Errorf("agent: %s: %w", path, err)
		}
	}
	return nil
}

// Put registers or replaces a single agent spec, applying the same
// defaults Load's config validation expects downstream.
func (r *Registry) Put(spec models.Agent) error {
	if spec.MaxIterations <= 0 {
		spec.MaxIterations = 25
	}
	if spec.OnDisconnect == "" {
		spec.OnDisconnect = models.OnDisconnectPause
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[spec.Name] = spec
	return nil
}

func (r *Registry) Resolve(name string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.agents[name]
	return spec, ok
}

// Names returns every registered agent name, for listing in the CLI.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}
