package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the workflows a process can execute. It is populated
// at startup and read-only during execution; catalog updates propagate
// by worker re-registration, never by mutating a live registry.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*Workflow)}
}

// Register adds a workflow. Re-registering a name replaces it.
func (r *Registry) Register(w *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.Name] = w
}

// Get returns the workflow registered under name.
func (r *Registry) Get(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("workflow %s is not registered", name)
	}
	return w, nil
}

// Names lists registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry. Workflow packages add
// themselves to it from init so a worker binary only has to import
// them.
func Default() *Registry { return defaultRegistry }

// Decode unmarshals a task result into a typed value.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
