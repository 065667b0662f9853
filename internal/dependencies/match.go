package dependencies

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Match returns the graph keys selected by pattern, in lexical order.
//
// A pattern selects keys in one of three ways:
//   - a full path ("/ed-fi/students") matches that key
//   - a bare name ("students") matches every key ending in "/students"
//   - a glob ("/tpdm/*", "*Descriptors") matches keys the glob accepts
//
// All matching is case-insensitive. A pattern matching nothing is not an error.
func (g *Graph) Match(pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	folded := strings.ToLower(pattern)

	if strings.ContainsAny(folded, "*?[{") {
		compiled, err := glob.Compile(folded)
		if err != nil {
			return nil, fmt.Errorf("invalid resource pattern %q: %w", pattern, err)
		}
		var matches []string
		for _, key := range g.Keys() {
			if compiled.Match(strings.ToLower(key)) {
				matches = append(matches, key)
			}
		}
		return matches, nil
	}

	if strings.Contains(folded, "/") {
		if key, ok := g.Lookup(pattern); ok {
			return []string{key}, nil
		}
		return nil, nil
	}

	var matches []string
	for _, key := range g.Keys() {
		if strings.HasSuffix(strings.ToLower(key), "/"+folded) {
			matches = append(matches, key)
		}
	}
	return matches, nil
}

func (g *Graph) matchAll(patterns []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := g.Match(pattern)
		if err != nil {
			return nil, err
		}
		for _, key := range matches {
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	return out, nil
}
