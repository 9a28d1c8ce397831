// Package config loads server and CLI settings from defaults, an optional
// config file, a .env file and BUDDY_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// EnvPrefix is prepended to every environment override, e.g.
// BUDDY_SERVER_PORT for server.port.
const EnvPrefix = "BUDDY"

// Config holds application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Torn     TornConfig
	Scan     ScanConfig
	Schedule ScheduleConfig
	Display  DisplayConfig
	Secrets  SecretsConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port string
}

// DatabaseConfig selects the persistent store. URL wins over SQLitePath.
type DatabaseConfig struct {
	URL        string
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RedisConfig holds the optional cache (or sole store) settings.
type RedisConfig struct {
	URL string
	TTL time.Duration
}

// TornConfig holds remote API settings. APIKey is only a fallback for the
// secret keeper and must never be logged.
type TornConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Timeout           time.Duration
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	APIKey            string        `mapstructure:"api_key"`
}

// ScanConfig holds detection settings.
type ScanConfig struct {
	FallbackWindow time.Duration `mapstructure:"fallback_window"`
}

// ScheduleConfig bounds schedule generation.
type ScheduleConfig struct {
	MaxGenerate int `mapstructure:"max_generate"`
}

// DisplayConfig holds presentation settings.
type DisplayConfig struct {
	Timezone string
}

// SecretsConfig locates the encrypted key file.
type SecretsConfig struct {
	Path       string
	Passphrase string
}

// Location resolves Display.Timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Display.Timezone)
	if err != nil || c.Display.Timezone == "" {
		return time.UTC
	}
	return loc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 30*time.Second)
	v.SetDefault("torn.base_url", "https://api.torn.com")
	v.SetDefault("torn.timeout", 30*time.Second)
	v.SetDefault("torn.requests_per_minute", 100)
	v.SetDefault("torn.cache_ttl", 30*time.Second)
	v.SetDefault("torn.api_key", "")
	v.SetDefault("scan.fallback_window", 72*time.Hour)
	v.SetDefault("schedule.max_generate", 200)
	v.SetDefault("display.timezone", "UTC")
	v.SetDefault("secrets.path", defaultSecretsPath())
	v.SetDefault("secrets.passphrase", "")
}

func defaultSecretsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "buddy-keys.json")
	}
	return filepath.Join(dir, "buddy-engine", "keys.json")
}

// Load reads configuration. cfgFile may be empty, in which case BUDDY_CONFIG
// or config.toml in the working directory and the user config dir are tried.
// A .env file in the working directory is loaded first without overriding
// variables that are already set.
func Load(cfgFile string) (Config, error) {
	if err := gotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if cfgFile == "" {
		cfgFile = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "buddy-engine"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit file must exist; the search paths are optional.
		if !errors.As(err, &notFound) || cfgFile != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch {
	case c.Server.Port == "":
		return errors.New("config: server.port is required")
	case c.Torn.RequestsPerMinute <= 0:
		return errors.New("config: torn.requests_per_minute must be > 0")
	case c.Schedule.MaxGenerate <= 0:
		return errors.New("config: schedule.max_generate must be > 0")
	case c.Scan.FallbackWindow <= 0:
		return errors.New("config: scan.fallback_window must be > 0")
	}
	if _, err := time.LoadLocation(c.Display.Timezone); err != nil {
		return fmt.Errorf("config: display.timezone: %w", err)
	}
	return nil
}
