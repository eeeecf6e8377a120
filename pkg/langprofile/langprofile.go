// Package langprofile maps a work tree to the toolchain its verification
// gates run. Detection looks at project markers (go.mod, pyproject.toml,
// package.json); a .drover/tools.yaml in the tree overrides everything.
package langprofile

import "strings"

// PatternPlaceholder marks where a test name pattern is substituted into a
// filter command.
const PatternPlaceholder = "{pattern}"

// Profile describes the gate toolchain for one language. Command slices are
// argv vectors: element 0 is the binary.
type Profile struct {
	Language string `yaml:"language"`
	// Test runs the full test suite.
	Test []string `yaml:"test"`
	// TestFilter runs only tests matching a pattern; PatternPlaceholder is
	// replaced with the pattern at run time.
	TestFilter []string `yaml:"test_filter"`
	// Build compiles the tree.
	Build []string `yaml:"build"`
}

// FilterArgs returns the filter command with pattern substituted. Falls back
// to the full test command when no filter is defined.
func (p Profile) FilterArgs(pattern string) []string {
	if len(p.TestFilter) == 0 {
		return p.Test
	}
	out := make([]string, len(p.TestFilter))
	for i, a := range p.TestFilter {
		out[i] = strings.ReplaceAll(a, PatternPlaceholder, pattern)
	}
	return out
}

// Go returns the toolchain profile for Go trees.
func Go() Profile {
	return Profile{
		Language:   "go",
		Test:       []string{"go", "test", "./..."},
		TestFilter: []string{"go", "test", "-run", PatternPlaceholder, "./..."},
		Build:      []string{"go", "build", "./..."},
	}
}

// Python returns the toolchain profile for Python trees.
func Python() Profile {
	return Profile{
		Language:   "python",
		Test:       []string{"pytest"},
		TestFilter: []string{"pytest", "-k", PatternPlaceholder},
		Build:      []string{"python", "-m", "compileall", "-q", "."},
	}
}

// Node returns the toolchain profile for JavaScript/TypeScript trees.
func Node() Profile {
	return Profile{
		Language:   "node",
		Test:       []string{"npm", "test"},
		TestFilter: []string{"npm", "test", "--", "-t", PatternPlaceholder},
		Build:      []string{"npm", "run", "build"},
	}
}
