package engineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Loader loads Config from flags, environment, a project file, and
// defaults, in that precedence order, the same shape as the donor's
// internal/config.Loader.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
	mu         sync.Mutex
}

// NewLoader creates a loader with Prodigy's defaults.
func NewLoader() *Loader {
	return &Loader{v: viper.New(), envPrefix: "PRODIGY"}
}

// NewLoaderWithViper reuses an existing viper instance, letting a cobra
// command bind its flags into the same precedence chain.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "PRODIGY"}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper exposes the underlying instance for CLI flag binding.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads config.yaml precedence chain: flags > PRODIGY_* env >
// ./.prodigy/config.yaml > defaults.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".prodigy")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "prodigy"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("checkpoint.dir", ".prodigy/checkpoints")
	l.v.SetDefault("checkpoint.backend", "json")
	l.v.SetDefault("checkpoint.compression_threshold_bytes", 64*1024)
	l.v.SetDefault("checkpoint.max_bytes", 64*1024*1024)
	l.v.SetDefault("checkpoint.lock_ttl", "1h")

	l.v.SetDefault("engine.shell_path", "sh")
	l.v.SetDefault("engine.agent_command", "claude")
	l.v.SetDefault("engine.interrupt_grace_period", "10s")
	l.v.SetDefault("engine.max_handler_retries", 3)
	l.v.SetDefault("engine.default_max_parallel", 5)

	l.v.SetDefault("git.worktree_dir", "")
}

// Validate checks invariants Load cannot express through viper defaults
// alone, mirroring the donor's standalone config.Validate.
func Validate(cfg *Config) error {
	if cfg.Engine.DefaultMaxParallel <= 0 {
		return fmt.Errorf("engine.default_max_parallel must be positive")
	}
	if cfg.Checkpoint.Backend != "json" && cfg.Checkpoint.Backend != "sqlite" {
		return fmt.Errorf("checkpoint.backend must be \"json\" or \"sqlite\", got %q", cfg.Checkpoint.Backend)
	}
	switch cfg.Log.Format {
	case "auto", "pretty", "json":
	default:
		return fmt.Errorf("log.format must be one of auto|pretty|json, got %q", cfg.Log.Format)
	}
	if cfg.Engine.InterruptGracePeriod < 0 {
		return fmt.Errorf("engine.interrupt_grace_period must not be negative")
	}
	return nil
}
