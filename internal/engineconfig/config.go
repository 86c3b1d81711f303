// Package engineconfig loads Prodigy's process-level configuration: where
// checkpoints live, pool and timeout defaults, and logging knobs. It never
// parses a workflow document — that stays the CLI's YAML-AST loader.
//
// Grounded on the donor's internal/config package (Config struct shape,
// Loader with functional With* options, viper-backed precedence chain of
// flags > env > project file > user file > defaults).
package engineconfig

import "time"

// Config is Prodigy's process-level configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Engine     EngineSection    `mapstructure:"engine"`
	Git        GitConfig        `mapstructure:"git"`
}

// LogConfig controls internal/logging's handler selection.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // auto | pretty | json
}

// CheckpointConfig controls internal/checkpoint's Store.
type CheckpointConfig struct {
	Dir                   string `mapstructure:"dir"`
	Backend               string `mapstructure:"backend"` // json | sqlite
	CompressionThresholdBytes int `mapstructure:"compression_threshold_bytes"`
	MaxBytes              int    `mapstructure:"max_bytes"`
	LockTTL               time.Duration `mapstructure:"lock_ttl"`
}

// EngineSection controls internal/engine.Dependencies defaults.
type EngineSection struct {
	ShellPath            string        `mapstructure:"shell_path"`
	AgentCommand         string        `mapstructure:"agent_command"`
	InterruptGracePeriod time.Duration `mapstructure:"interrupt_grace_period"`
	MaxHandlerRetries    int           `mapstructure:"max_handler_retries"`
	DefaultMaxParallel   int           `mapstructure:"default_max_parallel"`
}

// GitConfig controls internal/gitops.Client defaults.
type GitConfig struct {
	WorktreeDir string `mapstructure:"worktree_dir"`
}
