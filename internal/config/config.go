// Package config loads the control plane's runtime configuration from
// defaults, a file and environment variables, in that ascending order of
// precedence, via github.com/spf13/viper. Grounded on the viper/cobra
// pairing used for configuration across the example pack (env.go's
// ValueOrDefault precedence rule, here delegated to viper's own resolution
// order rather than hand-rolled). Command-line flags are not bound to
// configuration keys.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of settings a cluman process needs to boot.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	KVPath     string `mapstructure:"kv_path"`
	LogLevel   string `mapstructure:"log_level"`

	DockerTimeoutSec   int `mapstructure:"docker_timeout_sec"`
	CacheAfterWriteSec int `mapstructure:"cache_after_write_sec"`

	ImageTagReconcileInterval time.Duration    `mapstructure:"image_tag_reconcile_interval"`
	ImageTagPatterns          []ImageTagPattern `mapstructure:"image_tag_patterns"`
}

// ImageTagPattern mirrors imagetag.Pattern as a config-file-friendly shape
// (imagetag.Pattern itself carries no struct tags, since it is constructed
// in code/tests, not unmarshalled).
type ImageTagPattern struct {
	ClusterName  string `mapstructure:"cluster_name"`
	Repository   string `mapstructure:"repository"`
	RegistryHost string `mapstructure:"registry_host"`
	Strategy     string `mapstructure:"strategy"`
	HealthCheck  bool   `mapstructure:"health_check"`
}

func defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("kv_path", "./cluman.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("docker_timeout_sec", 10)
	v.SetDefault("cache_after_write_sec", 5)
	v.SetDefault("image_tag_reconcile_interval", "5m")
	return v
}

// Load reads configuration from configPath (if non-empty and present),
// environment variables prefixed CLUMAN_ (nested keys use "_", e.g.
// CLUMAN_DOCKER_TIMEOUT_SEC), and returns the merged result. A missing
// configPath is not an error — defaults and env vars still apply.
func Load(configPath string) (*Config, error) {
	v := defaults()
	v.SetEnvPrefix("cluman")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("config: listen_addr must not be empty")
	}
	if cfg.KVPath == "" {
		return nil, fmt.Errorf("config: kv_path must not be empty")
	}
	return &cfg, nil
}
