// Package config loads the proxy's configuration from a YAML file, CLI
// flags, and environment variables, with precedence CLI > env > file >
// default.
//
// pflag parses flags, viper binds the file and environment with
// defaults, and mapstructure tags on the destination struct drive
// unmarshalling.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// TLS holds the MITM CA material locations.
type TLS struct {
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
}

// Admin configures the admin HTTP surface.
type Admin struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config is the fully resolved, immutable-after-load configuration.
type Config struct {
	ProxyPort          int      `mapstructure:"proxy_port"`
	WhitelistedDomains []string `mapstructure:"whitelisted_domains"`
	HTTPS              TLS      `mapstructure:"https"`
	CacheRoot          string   `mapstructure:"cache_root"`
	LogLevel           string   `mapstructure:"log_level"`
	Admin              Admin    `mapstructure:"admin"`
}

// setDefaults establishes the baseline configuration before the file,
// environment, and flags are layered on top.
func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy_port", 8000)
	v.SetDefault("whitelisted_domains", []string{})
	v.SetDefault("https.cert_path", "ca.pem")
	v.SetDefault("https.key_path", "ca-key.pem")
	v.SetDefault("cache_root", "cache")
	v.SetDefault("log_level", "ERROR")
	v.SetDefault("admin.enabled", true)
}

// Load parses args (typically os.Args[1:]) and the process environment
// into a Config, reading configPath (given by --config, default
// "config.yaml") if it exists. A missing config file is tolerated, since
// the binary is expected to run from flags/env alone in simple
// deployments, but a malformed one is reported as an error.
func Load(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	flagSet := pflag.NewFlagSet("cachingedgeproxy", pflag.ContinueOnError)
	flagSet.String("config", "config.yaml", "Path to the YAML configuration file")
	flagSet.Int("port", 0, "Proxy listener port (overrides PORT env and config file)")
	flagSet.String("log-level", "", "Log level: ERROR|WARN|INFO|DEBUG")

	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	configPath, _ := flagSet.GetString("config")

	v.SetConfigType("yaml")
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("proxy_port", "PORT")
	_ = v.BindEnv("log_level", "LOG_LEVEL")

	if port, _ := flagSet.GetInt("port"); port != 0 {
		v.Set("proxy_port", port)
	}
	if level, _ := flagSet.GetString("log-level"); level != "" {
		v.Set("log_level", level)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)

	return &cfg, nil
}
