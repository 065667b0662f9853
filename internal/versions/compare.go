package versions

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// AtLeast reports whether version is greater than or equal to minimum.
// Versions are parsed leniently, so "5.3" and "v7" are accepted alongside full semver.
func AtLeast(version, minimum string) (bool, error) {
	actual, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", version, err)
	}
	floor, err := semver.NewVersion(minimum)
	if err != nil {
		return false, fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	return !actual.LessThan(floor), nil
}

// Satisfies reports whether version matches a semver constraint such as ">= 5.2, < 8"
func Satisfies(version, constraint string) (bool, error) {
	actual, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	return c.Check(actual), nil
}
