package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the emulate daemon.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Emulate EmulateConfig `mapstructure:"emulate"`
}

// LoggingConfig controls pkg/logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EmulateConfig groups the optional observability sinks the emulate
// subcommand may enable alongside the protocol engine.
type EmulateConfig struct {
	Audit   AuditConfig   `mapstructure:"audit"`
	Monitor MonitorConfig `mapstructure:"monitor"`
}

// AuditConfig controls pkg/audit.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MonitorConfig controls pkg/monitor.
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Load loads configuration from configFile (or the default search path when
// empty), applies KH940FDC_-prefixed environment overrides, and validates
// the result.
func Load(configFile string) (*Config, error) {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("kh940fdc")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/kh940fdc")
	}

	viper.SetEnvPrefix("KH940FDC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file is fine; defaults apply.
		} else if os.IsNotExist(err) {
			// Explicitly named file that doesn't exist is also fine.
		} else {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("emulate.audit.enabled", true)
	viper.SetDefault("emulate.audit.path", "kh940fdc-audit.db")

	viper.SetDefault("emulate.monitor.enabled", false)
	viper.SetDefault("emulate.monitor.host", "0.0.0.0")
	viper.SetDefault("emulate.monitor.port", 8420)
}
