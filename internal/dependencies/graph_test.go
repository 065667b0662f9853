package dependencies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	g := New(map[string][]string{
		"/ed-fi/schools":                {"/ed-fi/localEducationAgencies", "/ed-fi/unknown"},
		"/ed-fi/Students":               {"/ed-fi/students", "/ed-fi/schools", "/ED-FI/SCHOOLS"},
		"/ed-fi/localEducationAgencies": nil,
	})

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"/ed-fi/localEducationAgencies"}, g.Dependencies("/ed-fi/schools"),
		"dangling dependencies are dropped")
	assert.Equal(t, []string{"/ed-fi/schools"}, g.Dependencies("/ed-fi/students"),
		"self references and duplicates are dropped, lookups are case-insensitive")
	assert.Nil(t, g.Dependencies("/ed-fi/nothing"))

	key, ok := g.Lookup("/ED-FI/STUDENTS")
	require.True(t, ok)
	assert.Equal(t, "/ed-fi/Students", key)
	assert.Equal(t, []string{"/ed-fi/Students"}, g.Dependents("/ed-fi/schools"))
}

func TestGraph_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		raw         map[string][]string
		expectCycle bool
	}{
		{
			name: "chain",
			raw:  map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}},
		},
		{
			name: "diamond",
			raw:  map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}},
		},
		{
			name:        "two-node cycle",
			raw:         map[string][]string{"a": {"b"}, "b": {"a"}},
			expectCycle: true,
		},
		{
			name:        "longer cycle",
			raw:         map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}, "d": nil},
			expectCycle: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := New(tt.raw).Validate()
			if tt.expectCycle {
				require.ErrorIs(t, err, ErrCycle)
				assert.Contains(t, err.Error(), "->")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestGraph_Order(t *testing.T) {
	t.Parallel()

	g := New(map[string][]string{
		"/ed-fi/students":                  {"/ed-fi/schools"},
		"/ed-fi/schools":                   {"/ed-fi/localEducationAgencies"},
		"/ed-fi/localEducationAgencies":    nil,
		"/ed-fi/studentSchoolAssociations": {"/ed-fi/students", "/ed-fi/schools"},
		"/ed-fi/gradeLevelDescriptors":     nil,
	})

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/ed-fi/gradeLevelDescriptors",
		"/ed-fi/localEducationAgencies",
		"/ed-fi/schools",
		"/ed-fi/students",
		"/ed-fi/studentSchoolAssociations",
	}, order)

	_, err = New(map[string][]string{"a": {"b"}, "b": {"a"}}).Order()
	require.ErrorIs(t, err, ErrCycle)
}

func TestRetryKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/ed-fi/students#Retry", RetryKey("/ed-fi/students"))
	assert.True(t, IsRetryKey("/ed-fi/students#Retry"))
	assert.True(t, IsRetryKey("/ed-fi/students#retry"))
	assert.False(t, IsRetryKey("/ed-fi/students"))
	assert.Equal(t, "/ed-fi/students", BaseKey("/ed-fi/students#Retry"))
	assert.Equal(t, "/ed-fi/students", BaseKey("/ed-fi/students"))
}

func TestGraph_Match(t *testing.T) {
	t.Parallel()

	g := New(map[string][]string{
		"/ed-fi/students":              nil,
		"/tpdm/students":               nil,
		"/ed-fi/gradeLevelDescriptors": nil,
		"/tpdm/candidates":             nil,
	})

	tests := []struct {
		name     string
		pattern  string
		expected []string
	}{
		{name: "full path", pattern: "/ed-fi/students", expected: []string{"/ed-fi/students"}},
		{name: "full path case-insensitive", pattern: "/ED-FI/Students", expected: []string{"/ed-fi/students"}},
		{name: "short name", pattern: "students", expected: []string{"/ed-fi/students", "/tpdm/students"}},
		{name: "glob", pattern: "/tpdm/*", expected: []string{"/tpdm/candidates", "/tpdm/students"}},
		{name: "suffix glob", pattern: "*descriptors", expected: []string{"/ed-fi/gradeLevelDescriptors"}},
		{name: "unknown path", pattern: "/ed-fi/nothing", expected: nil},
		{name: "blank", pattern: "  ", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			matches, err := g.Match(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, matches)
		})
	}

	_, err := g.Match("/ed-fi/[")
	require.Error(t, err)
}
