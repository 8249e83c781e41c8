// Package registry defines the Tool interface every tool implementation
// satisfies and the Registry that the Tool Dispatch Core looks tools up in
// by category and name.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hostbridge-dev/hostbridge/core"
)

// ParamSchema describes one accepted parameter, enough for validation and
// for surfacing a catalog to callers.
type ParamSchema struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// Descriptor is the static metadata a Tool exposes about itself, analogous
// to the teacher framework's capability/schema registration on BaseTool.
type Descriptor struct {
	Category    string        `json:"category"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Params      []ParamSchema `json:"params"`
	// RequiresHITL, when true, makes the dispatch core upgrade an allow
	// decision for this tool to human review; a block decision still blocks.
	RequiresHITL bool `json:"requires_hitl"`
}

// Tool is implemented by every concrete tool (fs, shell, git, http,
// docker, knowledge, plan, ...). Invoke receives already-secret-resolved
// parameters and returns a JSON-marshalable result.
type Tool interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// Registry is a concurrency-safe category/name -> Tool lookup table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]map[string]Tool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]map[string]Tool)}
}

// Register adds a tool under its own Descriptor's category/name. It
// returns core.KindConflict if a tool is already registered at that
// address.
func (r *Registry) Register(t Tool) error {
	d := t.Descriptor()
	const op = "registry.Register"

	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.tools[d.Category]
	if !ok {
		byName = make(map[string]Tool)
		r.tools[d.Category] = byName
	}
	if _, exists := byName[d.Name]; exists {
		return core.NewError(core.KindConflict, op,
			fmt.Sprintf("tool %s.%s is already registered", d.Category, d.Name))
	}
	byName[d.Name] = t
	return nil
}

// Lookup returns the tool registered at category/name.
func (r *Registry) Lookup(category, name string) (Tool, error) {
	const op = "registry.Lookup"

	r.mu.RLock()
	defer r.mu.RUnlock()

	byName, ok := r.tools[category]
	if !ok {
		return nil, core.NewError(core.KindNotFound, op, fmt.Sprintf("no such tool category %q", category))
	}
	tool, ok := byName[name]
	if !ok {
		return nil, core.NewError(core.KindNotFound, op, fmt.Sprintf("no such tool %q in category %q", name, category))
	}
	return tool, nil
}

// Catalog returns every registered tool's Descriptor, sorted by
// category then name, for the discovery endpoint.
func (r *Registry) Catalog() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, byName := range r.tools {
		for _, tool := range byName {
			out = append(out, tool.Descriptor())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Categories returns the distinct registered category names, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cats := make([]string, 0, len(r.tools))
	for c := range r.tools {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}
