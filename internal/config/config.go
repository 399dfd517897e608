// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com

// Package config defines the daemon's Config struct, loaded once at
// startup and treated as immutable for the daemon's lifetime.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ctindex/ct/internal/ctxerr"
)

const configVersion = "1"

// Transport selects the daemon's IPC endpoint kind.
type Transport string

const (
	TransportAuto Transport = "auto"
	TransportUnix Transport = "unix"
	TransportPipe Transport = "pipe"
	TransportTCP  Transport = "tcp"
)

// Config is the full set of configuration keys the daemon honors.
type Config struct {
	Version string `yaml:"version"`

	Transport Transport `yaml:"transport"`
	Autostart bool      `yaml:"autostart"`

	SocketPath string `yaml:"socket_path,omitempty"`
	PipeName   string `yaml:"pipe_name,omitempty"`
	TCPAddr    string `yaml:"tcp_addr,omitempty"`

	AllowFullContext bool     `yaml:"allow_full_context"`
	WorkspaceAllow   []string `yaml:"workspace_allow,omitempty"`

	MaxContextSize  int `yaml:"max_context_size"`
	MaxList         int `yaml:"max_list"`
	BundleSourceCap int `yaml:"bundle_source_cap"`

	DBDir  string `yaml:"db_dir"`
	DBFile string `yaml:"db_file"`

	ReferencesTopN int `yaml:"references_top_n"`
	MaxMemMB       int `yaml:"max_mem_mb"`

	BenchQueries   int `yaml:"bench_queries"`
	BenchDurationS int `yaml:"bench_duration_s"`

	// IdleReadTimeoutS bounds how long the IPC server waits for a line
	// on an otherwise-idle connection before closing it.
	IdleReadTimeoutS int `yaml:"idle_read_timeout_s"`

	// ExtractorTimeoutS bounds the external documentation extractor's
	// wall clock per unit.
	ExtractorTimeoutS int `yaml:"extractor_timeout_s"`

	// DebounceMS is the watcher's burst-coalescing window.
	DebounceMS int `yaml:"debounce_ms"`

	// ExcludeGlobs are .ctignore-style glob patterns applied on top of
	// the built-in build-output exclusion.
	ExcludeGlobs []string `yaml:"exclude_globs,omitempty"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Version:           configVersion,
		Transport:         TransportAuto,
		Autostart:         true,
		AllowFullContext:  false,
		MaxContextSize:    16000,
		MaxList:           200,
		BundleSourceCap:   4000,
		DBDir:             "",
		DBFile:            "symbols.sqlite",
		ReferencesTopN:    16,
		MaxMemMB:          512,
		BenchQueries:      100,
		BenchDurationS:    10,
		IdleReadTimeoutS:  300,
		ExtractorTimeoutS: 120,
		DebounceMS:        300,
		ExcludeGlobs: []string{
			".git/**", "target/**", "node_modules/**", "vendor/**",
			"dist/**", "build/**", "bin/**", "**/bin/**",
			".ct/**",
		},
	}
}

// Load reads and validates a YAML config file at path. A missing file
// is not an error: Load returns Default() for it. An unreadable or
// malformed one is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, ctxerr.Wrap(ctxerr.InvalidArg, err, "read config %s", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ctxerr.Wrap(ctxerr.InvalidArg, err, "parse config %s", path)
	}
	if cfg.Version != configVersion {
		return nil, ctxerr.New(ctxerr.InvalidArg, "unsupported config version %q (want %q)", cfg.Version, configVersion)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating the parent directory if
// needed.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return ctxerr.Wrap(ctxerr.Internal, err, "encode config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return ctxerr.Wrap(ctxerr.Internal, err, "create config dir")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return ctxerr.Wrap(ctxerr.Internal, err, "write config")
	}
	return nil
}

// CatalogPath returns the full path to the live catalog file for a
// workspace, honoring db_dir/db_file overrides and otherwise defaulting
// to the XDG cache directory convention.
func (c *Config) CatalogPath(workspaceFingerprint string) string {
	dir := c.DBDir
	if dir == "" {
		base := os.Getenv("XDG_CACHE_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err == nil {
				base = filepath.Join(home, ".cache")
			}
		}
		dir = filepath.Join(base, "ct", workspaceFingerprint)
	}
	file := c.DBFile
	if file == "" {
		file = "symbols.sqlite"
	}
	return filepath.Join(dir, file)
}

// WorkspaceAllowed reports whether path lies within one of the
// configured workspace_allow roots. An empty list means no
// restriction.
func (c *Config) WorkspaceAllowed(path string) bool {
	if len(c.WorkspaceAllow) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range c.WorkspaceAllow {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err != nil {
			continue
		}
		if rel == "." || (len(rel) > 0 && rel[0] != '.' && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for diagnostic logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{transport=%s db=%s/%s max_context_size=%d}", c.Transport, c.DBDir, c.DBFile, c.MaxContextSize)
}
