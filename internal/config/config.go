// Package config holds the immutable engine configuration. A Config is
// constructed once (from defaults, an optional TOML file and environment
// variables) and threaded explicitly into the planner, verifier and executor.
package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// SafetyChecks selects how verification failures are treated.
type SafetyChecks string

const (
	SafetyChecksEnabled  SafetyChecks = "enabled"
	SafetyChecksWarn     SafetyChecks = "warn"
	SafetyChecksDisabled SafetyChecks = "disabled"
)

// Config is the full engine configuration. The zero value is not usable;
// construct via Default or Load.
type Config struct {
	AlwaysCopy     bool         `toml:"always_copy"`
	AlwaysSoftlink bool         `toml:"always_softlink"`
	AllowSoftlinks bool         `toml:"allow_softlinks"`
	SafetyChecks   SafetyChecks `toml:"safety_checks"`

	// ExtraSafetyChecks additionally verifies the size and sha256 digest of
	// every packaged file against the package manifest during pre-flight.
	ExtraSafetyChecks bool `toml:"extra_safety_checks"`

	RollbackEnabled    bool     `toml:"rollback_enabled"`
	DisallowedPackages []string `toml:"disallowed_packages"`

	RootPrefix  string   `toml:"root_prefix"`
	CondaPrefix string   `toml:"conda_prefix"`
	PkgsDirs    []string `toml:"pkgs_dirs"`
	Channels    []string `toml:"channels"`

	Verbosity       int  `toml:"verbosity"`
	Quiet           bool `toml:"quiet"`
	JSON            bool `toml:"json"`
	DryRun          bool `toml:"dry_run"`
	ShowChannelURLs bool `toml:"show_channel_urls"`
	Debug           bool `toml:"debug"`
}

// Default returns the configuration derived from the environment alone.
func Default() Config {
	root := os.Getenv("CONDA_ROOT_PREFIX")
	if root == "" {
		root = os.ExpandEnv("$HOME/conda")
	}
	cfg := Config{
		AllowSoftlinks:  false,
		SafetyChecks:    SafetyChecksEnabled,
		RollbackEnabled: true,
		RootPrefix:      root,
		CondaPrefix:     root,
		PkgsDirs:        []string{filepath.Join(root, "pkgs")},
		Channels:        []string{"defaults"},
	}
	if dirs := os.Getenv("CONDA_PKGS_DIRS"); dirs != "" {
		cfg.PkgsDirs = filepath.SplitList(dirs)
	}
	return cfg
}

// Load reads path on top of the defaults. A missing file is not an error; a
// malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if _, err := toml.Decode(string(b), &cfg); err != nil {
		return cfg, xerrors.Errorf("parsing %s: %w", path, err)
	}
	switch cfg.SafetyChecks {
	case SafetyChecksEnabled, SafetyChecksWarn, SafetyChecksDisabled:
	case "":
		cfg.SafetyChecks = SafetyChecksEnabled
	default:
		return cfg, xerrors.Errorf("parsing %s: invalid safety_checks value %q", path, cfg.SafetyChecks)
	}
	return cfg, nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	if p := os.Getenv("CONDA_CONFIG"); p != "" {
		return p
	}
	return os.ExpandEnv("$HOME/.condarc.toml")
}

// MaybeRaise applies the safety-check policy to a verification error: with
// checks enabled the error is returned, with warn it is logged and dropped,
// with disabled it is dropped silently.
func (c *Config) MaybeRaise(err error) error {
	if err == nil {
		return nil
	}
	switch c.SafetyChecks {
	case SafetyChecksWarn:
		for _, line := range strings.Split(err.Error(), "\n") {
			log.Printf("warning: %s", line)
		}
		return nil
	case SafetyChecksDisabled:
		return nil
	}
	return err
}
