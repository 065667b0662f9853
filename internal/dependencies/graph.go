// Package dependencies builds the resource dependency graphs that drive processing order.
//
// A Graph maps each resource key to the keys it depends on. Keys are compared
// case-insensitively; the first spelling seen is kept for display and for API paths.
// Graph operations return new graphs and never mutate their receiver, so a graph handed to
// the scheduler stays fixed for the rest of the run.
package dependencies

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// RetrySuffix marks the synthetic authorization-retry node of a resource
const RetrySuffix = "#Retry"

var (
	// ErrCycle is returned when the dependency metadata contains a cycle
	ErrCycle = errors.New("dependency graph contains a cycle")

	// ErrReductionBound is returned when key-change reduction fails to converge
	ErrReductionBound = errors.New("key-change dependency reduction exceeded its iteration bound")
)

// Graph is an immutable resource dependency graph
type Graph struct {
	canonical map[string]string
	deps      map[string][]string
}

// New builds a graph from a raw resource → dependencies map. Dependencies that are not
// themselves keys are dropped; duplicate dependencies and self references are ignored.
func New(raw map[string][]string) *Graph {
	g := &Graph{
		canonical: make(map[string]string, len(raw)),
		deps:      make(map[string][]string, len(raw)),
	}
	for _, key := range sortedKeys(raw) {
		g.add(key)
	}
	for _, key := range sortedKeys(raw) {
		for _, dep := range raw[key] {
			g.addEdge(key, dep)
		}
	}
	return g
}

func sortedKeys(raw map[string][]string) []string {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (g *Graph) add(key string) string {
	folded := strings.ToLower(key)
	if existing, ok := g.canonical[folded]; ok {
		return existing
	}
	g.canonical[folded] = key
	g.deps[key] = nil
	return key
}

func (g *Graph) addEdge(key, dep string) {
	from, ok := g.Lookup(key)
	if !ok {
		return
	}
	to, ok := g.Lookup(dep)
	if !ok || to == from || slices.Contains(g.deps[from], to) {
		return
	}
	g.deps[from] = append(g.deps[from], to)
}

// Lookup returns the canonical spelling of key
func (g *Graph) Lookup(key string) (string, bool) {
	canonical, ok := g.canonical[strings.ToLower(key)]
	return canonical, ok
}

// Has reports whether key is a node of the graph
func (g *Graph) Has(key string) bool {
	_, ok := g.Lookup(key)
	return ok
}

// Len returns the number of resources in the graph
func (g *Graph) Len() int {
	return len(g.deps)
}

// Keys returns every resource key in lexical order
func (g *Graph) Keys() []string {
	keys := make([]string, 0, len(g.deps))
	for key := range g.deps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Dependencies returns the resources key depends on. Unknown keys have no dependencies.
func (g *Graph) Dependencies(key string) []string {
	canonical, ok := g.Lookup(key)
	if !ok {
		return nil
	}
	return slices.Clone(g.deps[canonical])
}

// Dependents returns the resources that directly depend on key, in lexical order
func (g *Graph) Dependents(key string) []string {
	canonical, ok := g.Lookup(key)
	if !ok {
		return nil
	}
	var dependents []string
	for _, candidate := range g.Keys() {
		if slices.Contains(g.deps[candidate], canonical) {
			dependents = append(dependents, candidate)
		}
	}
	return dependents
}

// ToMap returns a copy of the graph as a raw map
func (g *Graph) ToMap() map[string][]string {
	out := make(map[string][]string, len(g.deps))
	for key, deps := range g.deps {
		out[key] = slices.Clone(deps)
	}
	return out
}

// restrict returns a graph containing only the keys in keep, with every dependency list
// intersected with the kept set.
func (g *Graph) restrict(keep map[string]bool) *Graph {
	raw := make(map[string][]string, len(keep))
	for key, deps := range g.deps {
		if !keep[key] {
			continue
		}
		kept := make([]string, 0, len(deps))
		for _, dep := range deps {
			if keep[dep] {
				kept = append(kept, dep)
			}
		}
		raw[key] = kept
	}
	return New(raw)
}

// Validate checks the graph for cycles. The returned error wraps ErrCycle and names the
// resources on one offending cycle.
func (g *Graph) Validate() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.deps))
	var stack []string

	var visit func(key string) error
	visit = func(key string) error {
		switch state[key] {
		case done:
			return nil
		case visiting:
			start := slices.Index(stack, key)
			cycle := append(slices.Clone(stack[start:]), key)
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
		}
		state[key] = visiting
		stack = append(stack, key)
		for _, dep := range g.deps[key] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[key] = done
		return nil
	}

	for _, key := range g.Keys() {
		if err := visit(key); err != nil {
			return err
		}
	}
	return nil
}

// Order returns the resources in a deterministic dependency order: every resource appears
// after all of its dependencies, ties broken lexically.
func (g *Graph) Order() ([]string, error) {
	remaining := make(map[string]int, len(g.deps))
	for key, deps := range g.deps {
		remaining[key] = len(deps)
	}

	var ready []string
	for key, count := range remaining {
		if count == 0 {
			ready = append(ready, key)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.deps))
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		order = append(order, key)

		var released []string
		for _, dependent := range g.Dependents(key) {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		ready = append(ready, released...)
		sort.Strings(ready)
	}

	if len(order) != len(g.deps) {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		return nil, ErrCycle
	}
	return order, nil
}

// IsRetryKey reports whether key names an authorization-retry node
func IsRetryKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), strings.ToLower(RetrySuffix))
}

// RetryKey returns the authorization-retry node for a resource
func RetryKey(resource string) string {
	return resource + RetrySuffix
}

// BaseKey strips the authorization-retry marker from key
func BaseKey(key string) string {
	if IsRetryKey(key) {
		return key[:len(key)-len(RetrySuffix)]
	}
	return key
}
