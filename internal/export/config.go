// Package export emits context facts as a SCIP index or as a
// zstd-compressed bundle of JSON lines. An optional cxxkb-export.toml
// next to the workspace manifest controls path filtering, privacy, and
// bundle paging.
package export

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"

	"cxxkb/internal/cxxerr"
)

// ConfigFileName is looked up in the workspace root.
const ConfigFileName = "cxxkb-export.toml"

// Config controls what an export contains and how it is paged.
type Config struct {
	Paths   PathsConfig   `toml:"paths"`
	Privacy PrivacyConfig `toml:"privacy"`
	Paging  PagingConfig  `toml:"paging"`
}

// PathsConfig filters exported files by doublestar globs over file keys
// (repo_id/rel_path). An empty include list admits everything.
type PathsConfig struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

// PrivacyConfig controls what location detail leaves the host.
type PrivacyConfig struct {
	// RedactAbsolutePaths drops host filesystem paths from the output,
	// leaving only workspace-relative file keys.
	RedactAbsolutePaths bool `toml:"redact_absolute_paths"`
}

// PagingConfig splits bundle output into parts.
type PagingConfig struct {
	// PageSize is the number of file records per bundle part.
	PageSize int `toml:"page_size"`
}

// DefaultConfig is what an absent cxxkb-export.toml means.
func DefaultConfig() Config {
	return Config{
		Privacy: PrivacyConfig{RedactAbsolutePaths: true},
		Paging:  PagingConfig{PageSize: 1000},
	}
}

// LoadConfig reads cxxkb-export.toml from path. A missing file yields
// the defaults; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read export config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, cxxerr.Wrap(cxxerr.ValidationError, "malformed export config", err)
	}
	if cfg.Paging.PageSize <= 0 {
		cfg.Paging.PageSize = 1000
	}

	for _, pattern := range append(append([]string{}, cfg.Paths.Include...), cfg.Paths.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return cfg, cxxerr.Newf(cxxerr.ValidationError, "invalid glob pattern %q in export config", pattern)
		}
	}
	return cfg, nil
}

// admits reports whether a file key passes the path filters.
func (c *Config) admits(fileKey string) bool {
	if len(c.Paths.Include) > 0 {
		included := false
		for _, pattern := range c.Paths.Include {
			if ok, _ := doublestar.Match(pattern, fileKey); ok {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, pattern := range c.Paths.Exclude {
		if ok, _ := doublestar.Match(pattern, fileKey); ok {
			return false
		}
	}
	return true
}
