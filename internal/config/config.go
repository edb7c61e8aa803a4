package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RALPH_STATE_DIR.
const EnvPrefix = "RALPH"

// Config holds the settings read from defaults, the config file and the
// environment.
type Config struct {
	StateDir  string       `mapstructure:"state_dir" yaml:"state_dir"`
	Verbose   bool         `mapstructure:"verbose" yaml:"verbose"`
	Log       bool         `mapstructure:"log" yaml:"log"`
	LogKeep   int          `mapstructure:"log_keep" yaml:"log_keep"`
	Epic      string       `mapstructure:"epic" yaml:"epic"`
	PromptDir string       `mapstructure:"prompt_dir" yaml:"prompt_dir"`
	UsageCmd  string       `mapstructure:"usage_cmd" yaml:"usage_cmd"`
	Agent     AgentConfig  `mapstructure:"agent" yaml:"agent"`
	Beads     BeadsConfig  `mapstructure:"beads" yaml:"beads"`
	Quota     QuotaConfig  `mapstructure:"quota" yaml:"quota"`
	Loop      LoopSettings `mapstructure:"loop" yaml:"loop"`
}

// AgentConfig holds agent CLI invocation settings
type AgentConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

// BeadsConfig holds issue tracker settings
type BeadsConfig struct {
	Command string `mapstructure:"command" yaml:"command"`
}

// QuotaConfig holds usage-limit back-off settings
type QuotaConfig struct {
	Buffer      time.Duration `mapstructure:"buffer" yaml:"buffer"`
	DefaultWait time.Duration `mapstructure:"default_wait" yaml:"default_wait"`
}

// LoopSettings holds iteration loop settings
type LoopSettings struct {
	StuckPause time.Duration `mapstructure:"stuck_pause" yaml:"stuck_pause"`
}

// LoadConfigWithFile loads configuration from configFile if provided,
// otherwise from the global config path.
func LoadConfigWithFile(configFile string) (*Config, error) {
	if configFile != "" {
		return LoadConfigFromPath(configFile)
	}
	path, err := GlobalConfigPath()
	if err != nil {
		return LoadConfigFromPath("")
	}
	return LoadConfigFromPath(path)
}

// LoadConfigFromPath loads configuration from a specific file path. A missing
// file yields defaults plus environment overrides.
func LoadConfigFromPath(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.StateDir == "" {
		root, err := DefaultStateRoot()
		if err != nil {
			return nil, err
		}
		cfg.StateDir = root
	}
	if len(cfg.Agent.Args) == 1 && strings.Contains(cfg.Agent.Args[0], " ") {
		cfg.Agent.Args = strings.Fields(cfg.Agent.Args[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults sets all default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", "")
	v.SetDefault("verbose", false)
	v.SetDefault("log", false)
	v.SetDefault("log_keep", DefaultLogKeep)
	v.SetDefault("epic", "")
	v.SetDefault("prompt_dir", ".")
	v.SetDefault("usage_cmd", DefaultUsageCommand)

	v.SetDefault("agent.command", DefaultAgentCommand)
	v.SetDefault("agent.args", DefaultAgentArgs)

	v.SetDefault("beads.command", DefaultBeadsCommand)

	v.SetDefault("quota.buffer", DefaultQuotaBuffer)
	v.SetDefault("quota.default_wait", DefaultQuotaDefaultWait)

	v.SetDefault("loop.stuck_pause", DefaultStuckPause)
}

// Validate rejects settings the loop cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.Command) == "" {
		return errors.New("agent.command must not be empty")
	}
	if strings.TrimSpace(c.Beads.Command) == "" {
		return errors.New("beads.command must not be empty")
	}
	if c.LogKeep < 0 {
		return fmt.Errorf("log_keep must be >= 0, got %d", c.LogKeep)
	}
	if c.Quota.Buffer < 0 || c.Quota.DefaultWait < 0 {
		return errors.New("quota durations must not be negative")
	}
	if c.Loop.StuckPause < 0 {
		return errors.New("loop.stuck_pause must not be negative")
	}
	return nil
}
