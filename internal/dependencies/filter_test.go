package dependencies

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGraph() *Graph {
	return New(map[string][]string{
		"/ed-fi/localEducationAgencies":    nil,
		"/ed-fi/schools":                   {"/ed-fi/localEducationAgencies"},
		"/ed-fi/students":                  nil,
		"/ed-fi/studentSchoolAssociations": {"/ed-fi/students", "/ed-fi/schools"},
		"/ed-fi/gradeLevelDescriptors":     nil,
		"/ed-fi/studentSectionAssociations": {
			"/ed-fi/students", "/ed-fi/studentSchoolAssociations",
		},
	})
}

func TestApplyInclusions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		include     []string
		includeOnly []string
		expected    map[string][]string
	}{
		{
			name:    "include pulls in transitive dependencies",
			include: []string{"studentSchoolAssociations"},
			expected: map[string][]string{
				"/ed-fi/localEducationAgencies":    {},
				"/ed-fi/schools":                   {"/ed-fi/localEducationAgencies"},
				"/ed-fi/students":                  {},
				"/ed-fi/studentSchoolAssociations": {"/ed-fi/schools", "/ed-fi/students"},
			},
		},
		{
			name:        "include only strips dependencies",
			includeOnly: []string{"/ed-fi/studentSchoolAssociations"},
			expected: map[string][]string{
				"/ed-fi/studentSchoolAssociations": {},
			},
		},
		{
			name:        "union keeps edges between retained resources",
			include:     []string{"/ed-fi/schools"},
			includeOnly: []string{"/ed-fi/studentSchoolAssociations"},
			expected: map[string][]string{
				"/ed-fi/localEducationAgencies":    {},
				"/ed-fi/schools":                   {"/ed-fi/localEducationAgencies"},
				"/ed-fi/studentSchoolAssociations": {"/ed-fi/schools"},
			},
		},
		{
			name:     "unknown names are ignored",
			include:  []string{"/ed-fi/nothing"},
			expected: map[string][]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g, err := ApplyInclusions(sampleGraph(), tt.include, tt.includeOnly)
			require.NoError(t, err)
			assertGraph(t, tt.expected, g)
		})
	}
}

func TestApplyInclusions_NoneIsIdentity(t *testing.T) {
	t.Parallel()

	original := sampleGraph()
	g, err := ApplyInclusions(original, nil, nil)
	require.NoError(t, err)
	assert.Same(t, original, g)
}

func TestApplyExclusions(t *testing.T) {
	t.Parallel()

	chain := func() *Graph {
		return New(map[string][]string{"A": nil, "B": {"A"}, "C": {"B"}})
	}

	g, err := ApplyExclusions(chain(), []string{"A"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len(), "excluding A removes its dependents B and C")

	g, err = ApplyExclusions(chain(), nil, []string{"A"})
	require.NoError(t, err)
	assertGraph(t, map[string][]string{"B": {}, "C": {"B"}}, g)

	g, err = ApplyExclusions(sampleGraph(), []string{"/ed-fi/schools"}, []string{"gradeLevelDescriptors"})
	require.NoError(t, err)
	assertGraph(t, map[string][]string{
		"/ed-fi/localEducationAgencies": {},
		"/ed-fi/students":               {},
	}, g)
}

func TestSelection_Apply(t *testing.T) {
	t.Parallel()

	selection := Selection{
		Include:     []string{"studentSectionAssociations"},
		ExcludeOnly: []string{"/ed-fi/localEducationAgencies"},
	}
	assert.False(t, selection.IsEmpty())
	assert.True(t, Selection{}.IsEmpty())

	g, err := selection.Apply(sampleGraph())
	require.NoError(t, err)
	assertGraph(t, map[string][]string{
		"/ed-fi/schools":                    {},
		"/ed-fi/students":                   {},
		"/ed-fi/studentSchoolAssociations":  {"/ed-fi/schools", "/ed-fi/students"},
		"/ed-fi/studentSectionAssociations": {"/ed-fi/studentSchoolAssociations", "/ed-fi/students"},
	}, g)
}

func TestWithoutDescriptors(t *testing.T) {
	t.Parallel()

	g := WithoutDescriptors(sampleGraph(), func(key string) bool {
		return strings.HasSuffix(key, "Descriptors")
	})
	assert.False(t, g.Has("/ed-fi/gradeLevelDescriptors"))
	assert.Equal(t, 5, g.Len())
}

func TestApplyAuthorizationRetry(t *testing.T) {
	t.Parallel()

	g := ApplyAuthorizationRetry(sampleGraph(), []AuthorizationRule{
		{
			Path:                    "/ed-fi/students",
			UpdatePrerequisitePaths: []string{"/ed-fi/studentSchoolAssociations"},
		},
		{Path: "/ed-fi/unknown"},
	})

	require.NoError(t, g.Validate())
	assert.True(t, g.Has("/ed-fi/students#Retry"))
	assert.ElementsMatch(t,
		[]string{"/ed-fi/students", "/ed-fi/studentSchoolAssociations"},
		g.Dependencies("/ed-fi/students#Retry"))
	assert.Contains(t, g.Dependencies("/ed-fi/studentSectionAssociations"), "/ed-fi/students#Retry")
	assert.NotContains(t, g.Dependencies("/ed-fi/studentSchoolAssociations"), "/ed-fi/students#Retry",
		"prerequisites must not wait on the retry node")
	assert.Empty(t, g.Dependencies("/ed-fi/students"))

	assert.Same(t, g, ApplyAuthorizationRetry(g, nil))
}

func TestInvertForDelete(t *testing.T) {
	t.Parallel()

	withRetry := ApplyAuthorizationRetry(sampleGraph(), []AuthorizationRule{
		{Path: "/ed-fi/students", UpdatePrerequisitePaths: []string{"/ed-fi/studentSchoolAssociations"}},
	})
	g := InvertForDelete(withRetry, func(key string) bool {
		return strings.HasSuffix(key, "Descriptors")
	})

	assert.False(t, g.Has("/ed-fi/students#Retry"))
	assert.False(t, g.Has("/ed-fi/gradeLevelDescriptors"))
	assertGraph(t, map[string][]string{
		"/ed-fi/localEducationAgencies":     {"/ed-fi/schools"},
		"/ed-fi/schools":                    {"/ed-fi/studentSchoolAssociations"},
		"/ed-fi/students":                   {"/ed-fi/studentSchoolAssociations", "/ed-fi/studentSectionAssociations"},
		"/ed-fi/studentSchoolAssociations":  {"/ed-fi/studentSectionAssociations"},
		"/ed-fi/studentSectionAssociations": {},
	}, g)

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, "/ed-fi/studentSectionAssociations", order[0], "leaves are deleted first")
}

func TestReduceForKeyChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       map[string][]string
		updatable []string
		expected  map[string][]string
	}{
		{
			name:      "chain collapses onto the updatable root",
			raw:       map[string][]string{"X": nil, "Z": {"X"}, "Y": {"Z"}},
			updatable: []string{"X"},
			expected:  map[string][]string{"X": {}},
		},
		{
			name:      "dependencies flatten through removed resources",
			raw:       map[string][]string{"A": nil, "B": {"A"}, "C": {"B"}},
			updatable: []string{"A", "C"},
			expected:  map[string][]string{"A": {}, "C": {"A"}},
		},
		{
			name: "deep chain with branches",
			raw: map[string][]string{
				"A": nil, "B": {"A"}, "C": {"B"}, "D": {"C"}, "E": {"D", "A"}, "F": nil,
			},
			updatable: []string{"A", "E", "F"},
			expected:  map[string][]string{"A": {}, "E": {"A"}, "F": {}},
		},
		{
			name:      "nothing updatable",
			raw:       map[string][]string{"A": nil, "B": {"A"}},
			updatable: nil,
			expected:  map[string][]string{},
		},
		{
			name:      "retry nodes are dropped",
			raw:       map[string][]string{"A": nil, "A#Retry": {"A"}, "B": {"A", "A#Retry"}},
			updatable: []string{"A", "B"},
			expected:  map[string][]string{"A": {}, "B": {"A"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			updatable := func(key string) bool {
				for _, candidate := range tt.updatable {
					if candidate == key {
						return true
					}
				}
				return false
			}

			g, err := ReduceForKeyChanges(New(tt.raw), updatable)
			require.NoError(t, err)
			require.NoError(t, g.Validate())
			assertGraph(t, tt.expected, g)
		})
	}
}

func TestReduceForKeyChanges_CycleExceedsBound(t *testing.T) {
	t.Parallel()

	g := New(map[string][]string{"A": nil, "B": {"C", "A"}, "C": {"B"}})
	_, err := ReduceForKeyChanges(g, func(key string) bool { return key == "A" })
	require.ErrorIs(t, err, ErrReductionBound)
}

func assertGraph(t *testing.T, expected map[string][]string, g *Graph) {
	t.Helper()

	actual := g.ToMap()
	require.Len(t, actual, len(expected), "graph keys: %v", g.Keys())
	for key, deps := range expected {
		require.Contains(t, actual, key)
		assert.ElementsMatch(t, deps, actual[key], "dependencies of %s", key)
	}
}
