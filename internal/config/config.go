// Package config loads manifold's repository and user configuration,
// layering an explicit path over a repo-level file over a user-level
// file the same way the teacher's internal/config does for yagwt.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/pelletier/go-toml/v2"
)

// Config is manifold's full configuration.
type Config struct {
	Repo  RepoConfig  `toml:"repo"`
	Merge MergeConfig `toml:"merge"`
	GC    GCConfig    `toml:"gc"`
	Hooks HooksConfig `toml:"hooks"`
}

// RepoConfig names the mainline branch advanced by epoch CAS writes.
type RepoConfig struct {
	Branch string `toml:"branch"`
}

// MergePolicy names one of the built-in conflict-resolution strategies
// a merge falls back to when the partitioner finds an unresolved
// overlap and --policy wasn't given explicitly on the command line.
type MergePolicy string

const (
	MergePolicyFail     MergePolicy = "fail"
	MergePolicyOursWins MergePolicy = "ours-wins"
	MergePolicyManual   MergePolicy = "manual"
)

// MergeConfig controls the merge/epoch engine's default behavior.
type MergeConfig struct {
	DefaultPolicy  MergePolicy   `toml:"default_policy"`
	CaptureTimeout time.Duration `toml:"capture_timeout"`
}

// GCConfig controls recovery-ref retention. PruneUnreachableRefs is
// loaded and merged here; no GC code reads it.
type GCConfig struct {
	RecoveryRetentionDays int  `toml:"recovery_retention_days"`
	PruneUnreachableRefs  bool `toml:"prune_unreachable_refs"`
}

// HooksConfig names hook scripts for workspace lifecycle events,
// carried over from the teacher's hook points and extended with
// merge-specific ones. They are loaded and merged here; nothing in
// this module runs them.
type HooksConfig struct {
	PostCreate string `toml:"post_create"`
	PreDestroy string `toml:"pre_destroy"`
	PostMerge  string `toml:"post_merge"`
}

// Load loads configuration from multiple sources with precedence:
// explicit path, then repo-level, then user-level.
func Load(repoRoot string, configPath string) (*Config, error) {
	config := DefaultConfig()

	var configPaths []string
	if configPath != "" {
		configPaths = append(configPaths, configPath)
	}
	if repoRoot != "" {
		configPaths = append(configPaths, filepath.Join(repoRoot, ".manifold", "config.toml"))
	}
	if userConfigPath, err := getUserConfigPath(); err == nil {
		configPaths = append(configPaths, userConfigPath)
	}

	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapError(errs.ErrConfig, "failed to read config file", err).
				WithDetail("path", path)
		}

		var fileConfig Config
		if err := toml.Unmarshal(data, &fileConfig); err != nil {
			return nil, errs.WrapError(errs.ErrConfig, "failed to parse config file", err).
				WithDetail("path", path).
				WithHint("check TOML syntax", "")
		}

		config = mergeConfig(config, &fileConfig)
		break
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultConfig returns manifold's built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Repo: RepoConfig{
			Branch: "main",
		},
		Merge: MergeConfig{
			DefaultPolicy:  MergePolicyFail,
			CaptureTimeout: 30 * time.Second,
		},
		GC: GCConfig{
			RecoveryRetentionDays: 30,
			PruneUnreachableRefs:  false,
		},
		Hooks: HooksConfig{},
	}
}

func getUserConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(homeDir, "Library", "Application Support", "manifold", "config.toml"), nil
	}

	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "manifold", "config.toml"), nil
	}

	return filepath.Join(homeDir, ".config", "manifold", "config.toml"), nil
}

func mergeConfig(base *Config, override *Config) *Config {
	result := *base

	if override.Repo.Branch != "" {
		result.Repo.Branch = override.Repo.Branch
	}

	if override.Merge.DefaultPolicy != "" {
		result.Merge.DefaultPolicy = override.Merge.DefaultPolicy
	}
	if override.Merge.CaptureTimeout != 0 {
		result.Merge.CaptureTimeout = override.Merge.CaptureTimeout
	}

	if override.GC.RecoveryRetentionDays != 0 {
		result.GC.RecoveryRetentionDays = override.GC.RecoveryRetentionDays
	}
	result.GC.PruneUnreachableRefs = override.GC.PruneUnreachableRefs || base.GC.PruneUnreachableRefs

	if override.Hooks.PostCreate != "" {
		result.Hooks.PostCreate = override.Hooks.PostCreate
	}
	if override.Hooks.PreDestroy != "" {
		result.Hooks.PreDestroy = override.Hooks.PreDestroy
	}
	if override.Hooks.PostMerge != "" {
		result.Hooks.PostMerge = override.Hooks.PostMerge
	}

	return &result
}

func validateConfig(config *Config) error {
	switch config.Merge.DefaultPolicy {
	case MergePolicyFail, MergePolicyOursWins, MergePolicyManual:
	default:
		return errs.NewError(errs.ErrConfig, "invalid merge.default_policy").
			WithDetail("value", string(config.Merge.DefaultPolicy)).
			WithDetail("valid", "fail, ours-wins, manual")
	}

	if config.GC.RecoveryRetentionDays < 0 {
		return errs.NewError(errs.ErrConfig, "gc.recovery_retention_days must not be negative").
			WithDetail("value", config.GC.RecoveryRetentionDays)
	}

	return nil
}
