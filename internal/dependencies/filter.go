package dependencies

import (
	"log/slog"
	"slices"
)

// Selection holds the resource include/exclude lists applied to a graph
type Selection struct {
	// Include selects resources together with all of their transitive dependencies
	Include []string

	// IncludeOnly selects resources without their dependencies
	IncludeOnly []string

	// Exclude removes resources together with everything that depends on them
	Exclude []string

	// ExcludeOnly removes resources but keeps their dependents
	ExcludeOnly []string
}

// IsEmpty reports whether the selection leaves a graph unchanged
func (s Selection) IsEmpty() bool {
	return len(s.Include) == 0 && len(s.IncludeOnly) == 0 &&
		len(s.Exclude) == 0 && len(s.ExcludeOnly) == 0
}

// Apply applies inclusions and then exclusions
func (s Selection) Apply(g *Graph) (*Graph, error) {
	included, err := ApplyInclusions(g, s.Include, s.IncludeOnly)
	if err != nil {
		return nil, err
	}
	return ApplyExclusions(included, s.Exclude, s.ExcludeOnly)
}

// ApplyInclusions restricts the graph to the included resources. With no inclusions the
// graph is returned unchanged. Names that match nothing are ignored.
func ApplyInclusions(g *Graph, include, includeOnly []string) (*Graph, error) {
	if len(include) == 0 && len(includeOnly) == 0 {
		return g, nil
	}

	withDependencies, err := g.matchAll(include)
	if err != nil {
		return nil, err
	}
	alone, err := g.matchAll(includeOnly)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool)
	var pull func(key string)
	pull = func(key string) {
		if keep[key] {
			return
		}
		keep[key] = true
		for _, dep := range g.deps[key] {
			pull(dep)
		}
	}
	for _, key := range withDependencies {
		pull(key)
	}
	for _, key := range alone {
		keep[key] = true
	}

	slog.Debug("Applied resource inclusions",
		"include", include, "include_only", includeOnly, "resources", len(keep))
	return g.restrict(keep), nil
}

// ApplyExclusions removes the excluded resources. Exclude also removes, transitively, every
// resource depending on an excluded one; ExcludeOnly removes just the named resource and
// prunes the edges that pointed at it.
func ApplyExclusions(g *Graph, exclude, excludeOnly []string) (*Graph, error) {
	if len(exclude) == 0 && len(excludeOnly) == 0 {
		return g, nil
	}

	withDependents, err := g.matchAll(exclude)
	if err != nil {
		return nil, err
	}
	alone, err := g.matchAll(excludeOnly)
	if err != nil {
		return nil, err
	}

	removed := make(map[string]bool)
	var remove func(key string)
	remove = func(key string) {
		if removed[key] {
			return
		}
		removed[key] = true
		for _, dependent := range g.Dependents(key) {
			remove(dependent)
		}
	}
	for _, key := range withDependents {
		remove(key)
	}
	for _, key := range alone {
		removed[key] = true
	}

	keep := make(map[string]bool, g.Len())
	for key := range g.deps {
		if !removed[key] {
			keep[key] = true
		}
	}

	slog.Debug("Applied resource exclusions",
		"exclude", exclude, "exclude_only", excludeOnly, "removed", len(removed))
	return g.restrict(keep), nil
}

// WithoutDescriptors removes every descriptor resource
func WithoutDescriptors(g *Graph, isDescriptor func(string) bool) *Graph {
	keep := make(map[string]bool, g.Len())
	for key := range g.deps {
		if !isDescriptor(key) {
			keep[key] = true
		}
	}
	return g.restrict(keep)
}

// AuthorizationRule defers the authorization-sensitive items of Path until the
// UpdatePrerequisitePaths resources have been upserted.
type AuthorizationRule struct {
	Path                    string   `yaml:"path" json:"path"`
	UpdatePrerequisitePaths []string `yaml:"updatePrerequisitePaths" json:"updatePrerequisitePaths"`
}

// ApplyAuthorizationRetry adds a Path#Retry node for every rule whose path is in the graph.
// Every resource depending on Path, other than the prerequisites themselves, additionally
// depends on the retry node, and the retry node depends on Path and its prerequisites.
func ApplyAuthorizationRetry(g *Graph, rules []AuthorizationRule) *Graph {
	if len(rules) == 0 {
		return g
	}

	raw := g.ToMap()
	for _, rule := range rules {
		path, ok := g.Lookup(rule.Path)
		if !ok {
			slog.Debug("Authorization failure handling path not in dependency graph", "path", rule.Path)
			continue
		}

		var prerequisites []string
		for _, prerequisite := range rule.UpdatePrerequisitePaths {
			if key, ok := g.Lookup(prerequisite); ok {
				prerequisites = append(prerequisites, key)
			}
		}

		retryKey := RetryKey(path)
		for key, deps := range raw {
			if key == retryKey || IsRetryKey(key) || slices.Contains(prerequisites, key) {
				continue
			}
			if slices.Contains(deps, path) && !slices.Contains(deps, retryKey) {
				raw[key] = append(deps, retryKey)
			}
		}
		raw[retryKey] = append([]string{path}, prerequisites...)

		slog.Debug("Added authorization retry node",
			"resource", retryKey, "prerequisites", prerequisites)
	}
	return New(raw)
}

// InvertForDelete builds the delete-processing graph: every edge is reversed so dependents
// are deleted before the resources they reference. Descriptors and authorization-retry
// nodes take no part in delete processing.
func InvertForDelete(g *Graph, isDescriptor func(string) bool) *Graph {
	excluded := func(key string) bool {
		return IsRetryKey(key) || (isDescriptor != nil && isDescriptor(key))
	}

	raw := make(map[string][]string, g.Len())
	for key := range g.deps {
		if !excluded(key) {
			raw[key] = nil
		}
	}
	for key, deps := range g.deps {
		if excluded(key) {
			continue
		}
		for _, dep := range deps {
			if excluded(dep) {
				continue
			}
			raw[dep] = append(raw[dep], key)
		}
	}
	return New(raw)
}

// ReduceForKeyChanges builds the key-change graph, keeping only resources whose natural
// keys can be updated. A removed resource's dependencies are inherited by the resources
// that depended on it, so a chain through non-updatable resources collapses onto the
// nearest updatable ancestors.
//
// Each iteration removes the non-updatable resources that no longer depend on other
// non-updatable resources. Acyclic input therefore converges within Len() iterations;
// anything else yields ErrReductionBound.
func ReduceForKeyChanges(g *Graph, updatable func(string) bool) (*Graph, error) {
	raw := make(map[string][]string, g.Len())
	for key, deps := range g.deps {
		if IsRetryKey(key) {
			continue
		}
		var kept []string
		for _, dep := range deps {
			if !IsRetryKey(dep) {
				kept = append(kept, dep)
			}
		}
		raw[key] = kept
	}

	removable := func(key string) bool {
		if updatable(key) {
			return false
		}
		for _, dep := range raw[key] {
			if _, exists := raw[dep]; exists && !updatable(dep) {
				return false
			}
		}
		return true
	}

	bound := len(raw)
	for iteration := 0; ; iteration++ {
		var batch []string
		for key := range raw {
			if removable(key) {
				batch = append(batch, key)
			}
		}
		if len(batch) == 0 {
			break
		}
		if iteration >= bound {
			return nil, ErrReductionBound
		}

		for _, key := range batch {
			inherited := raw[key]
			delete(raw, key)
			for dependent, deps := range raw {
				idx := slices.Index(deps, key)
				if idx < 0 {
					continue
				}
				deps = slices.Delete(slices.Clone(deps), idx, idx+1)
				for _, dep := range inherited {
					if dep != dependent && !slices.Contains(deps, dep) {
						deps = append(deps, dep)
					}
				}
				raw[dependent] = deps
			}
		}
	}

	for key := range raw {
		if !updatable(key) {
			return nil, ErrReductionBound
		}
	}
	return New(raw), nil
}
