package langprofile

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// overrideFile is the per-tree toolchain override, relative to the tree root.
const overrideFile = ".drover/tools.yaml"

// ForDir inspects root and returns the matching profile. Precedence:
// .drover/tools.yaml override, then project markers, then the Go profile as
// the default for unrecognized trees.
func ForDir(root string) Profile {
	if p, ok := loadOverride(root); ok {
		return p
	}
	if exists(root, "go.mod") {
		return Go()
	}
	if exists(root, "pyproject.toml") || exists(root, "setup.py") || exists(root, "requirements.txt") {
		return Python()
	}
	if exists(root, "package.json") {
		return Node()
	}
	return Go()
}

// loadOverride reads .drover/tools.yaml if present. Fields left empty in the
// file keep the values of the detected-language profile, so an override can
// replace just the test command.
func loadOverride(root string) (Profile, bool) {
	data, err := os.ReadFile(filepath.Join(root, overrideFile)) //nolint:gosec // root is the work tree under verification
	if err != nil {
		return Profile{}, false
	}

	var o Profile
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Profile{}, false
	}

	base := baseFor(root, o.Language)
	if o.Language != "" {
		base.Language = o.Language
	}
	if len(o.Test) > 0 {
		base.Test = o.Test
	}
	if len(o.TestFilter) > 0 {
		base.TestFilter = o.TestFilter
	}
	if len(o.Build) > 0 {
		base.Build = o.Build
	}
	return base, true
}

// baseFor picks the profile the override is layered on: the named language
// if recognized, otherwise marker detection without override recursion.
func baseFor(root, language string) Profile {
	switch language {
	case "go":
		return Go()
	case "python":
		return Python()
	case "node", "javascript", "typescript":
		return Node()
	}
	if exists(root, "go.mod") {
		return Go()
	}
	if exists(root, "pyproject.toml") || exists(root, "setup.py") || exists(root, "requirements.txt") {
		return Python()
	}
	if exists(root, "package.json") {
		return Node()
	}
	return Go()
}

func exists(root, name string) bool {
	_, err := os.Stat(filepath.Join(root, name))
	return err == nil
}
