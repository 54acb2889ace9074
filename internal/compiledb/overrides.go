package compiledb

import (
	"os"

	"github.com/bmatcuk/doublestar/v4"
	toml "github.com/pelletier/go-toml/v2"

	"cxxkb/internal/cxxerr"
)

// Overrides is an optional per-repo CXXFLAGS.toml that adjusts compile
// entries before hashing and extraction. Typical use: injecting include
// paths the build system passes through environment variables, or
// removing toolchain plugins the extractor cannot load.
type Overrides struct {
	// AddFlags are appended to every entry in the repo.
	AddFlags []string `toml:"add_flags"`
	// RemoveFlags are dropped from every entry (exact match).
	RemoveFlags []string `toml:"remove_flags"`
	// Rules are applied after the global lists, in file order.
	Rules []OverrideRule `toml:"rules"`
}

// OverrideRule scopes flag adjustments to files matching a glob
// (relative to the repo root, doublestar syntax).
type OverrideRule struct {
	Glob        string   `toml:"glob"`
	AddFlags    []string `toml:"add_flags"`
	RemoveFlags []string `toml:"remove_flags"`
}

// LoadOverrides reads a CXXFLAGS.toml. A missing file yields nil without
// error: overrides are opt-in.
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cxxerr.Wrap(cxxerr.ManifestError, "failed to read flags override file "+path, err)
	}
	var ov Overrides
	if err := toml.Unmarshal(data, &ov); err != nil {
		return nil, cxxerr.Wrap(cxxerr.ManifestError, "failed to parse flags override file "+path, err)
	}
	for _, rule := range ov.Rules {
		if !doublestar.ValidatePattern(rule.Glob) {
			return nil, cxxerr.Newf(cxxerr.ManifestError, "invalid glob %q in %s", rule.Glob, path)
		}
	}
	return &ov, nil
}

// Apply returns the entry args with the overrides applied for a file at
// relPath (repo-relative, forward slashes). The input slice is not
// modified.
func (ov *Overrides) Apply(args []string, relPath string) []string {
	if ov == nil {
		return args
	}
	out := applyAdjustment(args, ov.AddFlags, ov.RemoveFlags)
	for _, rule := range ov.Rules {
		if ok, _ := doublestar.Match(rule.Glob, relPath); ok {
			out = applyAdjustment(out, rule.AddFlags, rule.RemoveFlags)
		}
	}
	return out
}

func applyAdjustment(args, add, remove []string) []string {
	removed := make(map[string]bool, len(remove))
	for _, r := range remove {
		removed[r] = true
	}
	out := make([]string, 0, len(args)+len(add))
	for _, a := range args {
		if !removed[a] {
			out = append(out, a)
		}
	}
	return append(out, add...)
}
