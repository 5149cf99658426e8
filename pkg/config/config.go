// Package config loads the process-wide, immutable configuration that every
// mpkg operation is threaded through. Configuration is read once at
// startup from a TOML file; nothing in the rest of the program re-reads it
// or falls back to package-level globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"

	"mpkg/pkg/mpkgerr"
)

// Config holds every value required to run an operation. It is immutable
// once returned by Load.
type Config struct {
	RecipesDir    string `toml:"recipes_dir"`
	SrcCache      string `toml:"src_cache"`
	BuildDir      string `toml:"build_dir"`
	StagingDir    string `toml:"staging_dir"`
	DBRoot        string `toml:"db_root"`
	LogDir        string `toml:"log_dir"`
	FetchCmd      string `toml:"fetch_cmd"`
	MakeFlags     string `toml:"makeflags"`
	StripCmd      string `toml:"strip_cmd"`
	InstallPrefix string `toml:"install_prefix"`
	Jobs          int    `toml:"jobs"`
	Color         bool   `toml:"color"`
}

// EnvConfigPath is the environment variable that, if set, names the config
// file to load directly, bypassing XDG discovery.
const EnvConfigPath = "MPKG_CONFIG"

// DefaultPath returns the config file mpkg loads when EnvConfigPath is
// unset: $XDG_CONFIG_HOME/mpkg/config.toml, falling back to
// /etc/mpkg/config.toml if the former does not exist.
func DefaultPath() string {
	xdgPath := filepath.Join(xdg.ConfigHome, "mpkg", "config.toml")
	if _, err := os.Stat(xdgPath); err == nil {
		return xdgPath
	}
	return filepath.Join(string(filepath.Separator), "etc", "mpkg", "config.toml")
}

// Load reads and validates the configuration file at path. If path is
// empty, it is resolved via EnvConfigPath then DefaultPath. Every field in
// Config is required; a missing or empty value is a fatal *mpkgerr.ConfigError.
func Load(path string) (*Config, error) {
	if path == "" {
		if envPath := os.Getenv(EnvConfigPath); envPath != "" {
			path = envPath
		} else {
			path = DefaultPath()
		}
	}

	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if !md.IsDefined("color") {
		return nil, &mpkgerr.ConfigError{Key: "color", Reason: "required but not set"}
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"recipes_dir":    cfg.RecipesDir,
		"src_cache":      cfg.SrcCache,
		"build_dir":      cfg.BuildDir,
		"staging_dir":    cfg.StagingDir,
		"db_root":        cfg.DBRoot,
		"log_dir":        cfg.LogDir,
		"fetch_cmd":      cfg.FetchCmd,
		"makeflags":      cfg.MakeFlags,
		"strip_cmd":      cfg.StripCmd,
		"install_prefix": cfg.InstallPrefix,
	}
	for key, val := range required {
		if val == "" {
			return &mpkgerr.ConfigError{Key: key, Reason: "required but not set"}
		}
	}
	if cfg.Jobs <= 0 {
		return &mpkgerr.ConfigError{Key: "jobs", Reason: "must be a positive integer"}
	}
	return nil
}
