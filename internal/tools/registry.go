package tools

import (
	"fmt"
	"sort"
	"sync"

	"maestro/internal/domain/run"
	"maestro/internal/llm"
)

// Registry holds named tool executors.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Executor
}

// NewRegistry creates a registry with every builtin registered.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Executor)}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	for _, tool := range []Executor{
		&fileRead{},
		&fileWrite{},
		&fileExists{},
		&listFiles{},
		&bash{},
		&createSubtasks{},
		&writeReport{},
	} {
		r.tools[tool.Definition().Name] = tool
	}
}

// Register adds a tool, rejecting duplicates.
func (r *Registry) Register(tool Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Definition().Name
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool, nil
}

// Definitions returns every tool definition sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// profileTools is the per-profile tool selection. QA is deliberately
// read-only.
var profileTools = map[run.Profile][]string{
	run.ProfilePlanner:    {"file_read", "file_exists", "list_files", "create_subtasks"},
	run.ProfileCoder:      {"file_read", "file_write", "file_exists", "list_files", "bash"},
	run.ProfileTester:     {"file_read", "file_write", "file_exists", "list_files", "bash", "write_report"},
	run.ProfileResearcher: {"file_read", "file_exists", "list_files", "bash"},
	run.ProfileWriter:     {"file_read", "file_write", "file_exists", "list_files"},
	run.ProfileMerger:     {"file_read", "file_write", "file_exists", "list_files", "bash"},
	run.ProfileQA:         {"file_read", "file_exists", "list_files"},
}

// ForProfile returns a filtered view of the registry exposing only the tools
// the profile is entitled to.
func (r *Registry) ForProfile(profile run.Profile) *Registry {
	names, ok := profileTools[profile]
	if !ok {
		names = profileTools[run.ProfileCoder]
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	filtered := &Registry{tools: make(map[string]Executor, len(names))}
	for _, name := range names {
		if tool, exists := r.tools[name]; exists {
			filtered.tools[name] = tool
		}
	}
	return filtered
}

// SetProfileTools overrides a profile's tool selection (operator yaml).
func SetProfileTools(profile run.Profile, names []string) {
	if len(names) > 0 {
		profileTools[profile] = names
	}
}
