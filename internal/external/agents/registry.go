package agents

import (
	"sort"
	"strings"
	"sync"

	"foreman/internal/errors"
	"foreman/internal/logging"
)

// Task types the router knows preference lists for. Unknown types fall back
// to the general route.
const (
	TaskCodeGeneration = "code_generation"
	TaskCodeReview     = "code_review"
	TaskTesting        = "testing"
	TaskDocumentation  = "documentation"
	TaskRefactoring    = "refactoring"
	TaskDebugging      = "debugging"
	TaskGeneral        = "general"
)

func defaultRoutes() map[string][]string {
	return map[string][]string{
		TaskCodeGeneration: {"claude", "codex", "gemini", "aider"},
		TaskCodeReview:     {"claude", "gemini", "codex"},
		TaskTesting:        {"codex", "claude", "aider"},
		TaskDocumentation:  {"gemini", "claude"},
		TaskRefactoring:    {"claude", "aider", "codex"},
		TaskDebugging:      {"claude", "codex"},
		TaskGeneral:        {"claude", "codex", "gemini", "aider"},
	}
}

// Registry holds the known adapters, their detected binaries, and the static
// task-type routing table.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	resolved map[string]string
	routes   map[string][]string
	logger   logging.Logger
}

// NewRegistry builds a registry with the built-in adapters and default
// routes, and runs an initial detection pass.
func NewRegistry(logger logging.Logger) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		resolved: make(map[string]string),
		routes:   defaultRoutes(),
		logger:   logging.OrNop(logger),
	}
	for _, adapter := range Builtins() {
		r.Register(adapter)
	}
	r.Detect()
	return r
}

// Register adds (or replaces) an adapter. Detection for it runs lazily on
// the next Detect call.
func (r *Registry) Register(adapter Adapter) {
	if adapter == nil || adapter.Name() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapter.Name()]; !exists {
		r.order = append(r.order, adapter.Name())
	}
	r.adapters[adapter.Name()] = adapter
}

// SetRoute replaces the ordered preference list for a task type.
func (r *Registry) SetRoute(taskType string, agentNames ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[taskType] = agentNames
}

// Detect refreshes binary availability for every adapter.
func (r *Registry) Detect() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resolved = make(map[string]string, len(r.adapters))
	for name, adapter := range r.adapters {
		if binary, ok := adapter.Detect(); ok {
			r.resolved[name] = binary
		}
	}
	r.logger.Info("agent detection: %d of %d agents installed", len(r.resolved), len(r.adapters))
}

// IsAvailable reports whether the named agent resolved to an installed
// binary on the last detection pass.
func (r *Registry) IsAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resolved[name]
	return ok
}

// Available lists installed agents in registration order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.resolved))
	for _, name := range r.order {
		if _, ok := r.resolved[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Names lists every registered agent, installed or not, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve picks the agent for a task: the preferred agent when one is named,
// otherwise the first installed agent on the task type's preference list.
func (r *Registry) Resolve(taskType, preferred string) (Adapter, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred = strings.TrimSpace(preferred); preferred != "" {
		adapter, ok := r.adapters[preferred]
		if !ok {
			return nil, "", errors.Newf(errors.KindNoAgentAvailable,
				"unknown agent %q", preferred).
				WithHint("known agents: " + strings.Join(r.namesLocked(), ", "))
		}
		binary, ok := r.resolved[preferred]
		if !ok {
			return nil, "", errors.Newf(errors.KindNoAgentAvailable,
				"agent %q is not installed", preferred).
				WithHint("installed agents: " + strings.Join(r.availableLocked(), ", "))
		}
		return adapter, binary, nil
	}

	route, ok := r.routes[taskType]
	if !ok {
		route = r.routes[TaskGeneral]
	}
	for _, name := range route {
		if binary, ok := r.resolved[name]; ok {
			return r.adapters[name], binary, nil
		}
	}
	return nil, "", errors.Newf(errors.KindNoAgentAvailable,
		"no installed agent can handle task type %q", taskType).
		WithHint("installed agents: " + strings.Join(r.availableLocked(), ", "))
}

func (r *Registry) namesLocked() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) availableLocked() []string {
	out := make([]string, 0, len(r.resolved))
	for _, name := range r.order {
		if _, ok := r.resolved[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
