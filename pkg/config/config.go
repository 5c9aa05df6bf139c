// Package config loads engine configuration from file, environment,
// and flags via viper. Precedence: flags > env > config file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved engine configuration
type Config struct {
	VaultDir        string        `mapstructure:"vault_dir"`
	SignalTablePath string        `mapstructure:"signal_table"`
	MaxRetries      int           `mapstructure:"max_retries"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`
	ActivityWindow  int           `mapstructure:"activity_window"`
	DiskLimitPct    float64       `mapstructure:"disk_limit_pct"`
	LogLevel        string        `mapstructure:"log_level"`
	LogJSON         bool          `mapstructure:"log_json"`
	ListenAddr      string        `mapstructure:"listen_addr"`
}

// Load resolves configuration. cfgFile may be empty, in which case
// $HOME/.taskvault/config.yaml and ./taskvault.yaml are searched.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("vault_dir", defaultVaultDir())
	v.SetDefault("max_retries", 3)
	v.SetDefault("cooldown", time.Hour)
	v.SetDefault("exec_timeout", 2*time.Minute)
	v.SetDefault("activity_window", 15)
	v.SetDefault("disk_limit_pct", 95.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("listen_addr", ":8090")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".taskvault"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("taskvault")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("TASKVAULT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config files are fine; parse errors are not
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.DiskLimitPct <= 0 || cfg.DiskLimitPct > 100 {
		return nil, fmt.Errorf("disk_limit_pct must be in (0,100], got %v", cfg.DiskLimitPct)
	}
	return &cfg, nil
}

func defaultVaultDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "taskvault")
	}
	return "./taskvault"
}
