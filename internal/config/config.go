// Package config loads service configuration from the environment and an
// optional YAML file, and provisions instances/accounts from a seed file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	StoreDSN     string        `mapstructure:"store_dsn"`
	AuthToken    string        `mapstructure:"auth_token"`
	SeedFile     string        `mapstructure:"seed_file"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	Logging      LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Every key needs a default, even an empty one: viper only feeds env
	// values into Unmarshal for keys it already knows about.
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("store_dsn", "memory://")
	v.SetDefault("auth_token", "")
	v.SetDefault("seed_file", "")
	v.SetDefault("sync_interval", time.Hour)
	v.SetDefault("token_ttl", time.Hour)
	v.SetDefault("http_timeout", 15*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("DIFYMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("DIFYMIRROR_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}
