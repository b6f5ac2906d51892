package egress

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters change records by plant id using glob patterns
type GlobFilter struct {
	plantGlobs []glob.Glob
}

// NewGlobFilter compiles the plant patterns. An empty pattern list
// matches every plant.
func NewGlobFilter(plantPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		plantGlobs: make([]glob.Glob, 0, len(plantPatterns)),
	}

	for _, pattern := range plantPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid plant pattern %q: %w", pattern, err)
		}
		filter.plantGlobs = append(filter.plantGlobs, g)
	}

	return filter, nil
}

// Match returns true if the plant id matches the configured patterns
func (f *GlobFilter) Match(plantID string) bool {
	if len(f.plantGlobs) == 0 {
		return true
	}
	for _, g := range f.plantGlobs {
		if g.Match(plantID) {
			return true
		}
	}
	return false
}
