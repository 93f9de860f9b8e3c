// backend/config.go
package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"storagegate/storage"
	"storagegate/tasks"
)

type RateLimitConfig struct {
	Enabled         bool `mapstructure:"Enabled"`
	Requests        int  `mapstructure:"Requests"`
	DurationMinutes int  `mapstructure:"DurationMinutes"`
}
type DBConfig struct {
	Type string `mapstructure:"Type"`
	DSN  string `mapstructure:"DSN"`
}
type ParityConfig struct {
	DataShards   int    `mapstructure:"DataShards"`
	ParityShards int    `mapstructure:"ParityShards"`
	Dir          string `mapstructure:"Dir"`
}

// CASConfig describes the content-addressable provider. Inner and Backup
// name entries of Config.Providers.
type CASConfig struct {
	Enabled     bool         `mapstructure:"Enabled"`
	Name        string       `mapstructure:"Name"`
	Inner       string       `mapstructure:"Inner"`
	PendingDir  string       `mapstructure:"PendingDir"`
	CompleteDir string       `mapstructure:"CompleteDir"`
	CallbackURL string       `mapstructure:"CallbackURL"`
	Parity      ParityConfig `mapstructure:"Parity"`
	Backup      string       `mapstructure:"Backup"`
	ClamdSocket string       `mapstructure:"ClamdSocket"`
}
type SigningConfig struct {
	Secret         string `mapstructure:"Secret"`
	MaxSkewSeconds int    `mapstructure:"MaxSkewSeconds"`
}
type Config struct {
	ServerPort         string                      `mapstructure:"ServerPort"`
	MaxUploadSizeMB    int64                       `mapstructure:"MaxUploadSizeMB"`
	LogLevel           string                      `mapstructure:"LogLevel"`
	CORSAllowedOrigins string                      `mapstructure:"CORSAllowedOrigins"`
	RateLimit          RateLimitConfig             `mapstructure:"RateLimit"`
	Database           DBConfig                    `mapstructure:"Database"`
	Providers          map[string]storage.Settings `mapstructure:"Providers"`
	CAS                CASConfig                   `mapstructure:"CAS"`
	Signing            SigningConfig               `mapstructure:"Signing"`
	Tasks              tasks.Config                `mapstructure:"Tasks"`
}

var AppConfig *Config

// LoadConfig reads path if it exists, then lets GATEWAY_* environment
// variables override every key. A missing file is not an error.
func LoadConfig(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("ServerPort", "8080")
	v.SetDefault("MaxUploadSizeMB", 1024)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("CORSAllowedOrigins", "")
	v.SetDefault("RateLimit.Enabled", true)
	v.SetDefault("RateLimit.Requests", 30)
	v.SetDefault("RateLimit.DurationMinutes", 10)
	v.SetDefault("Database.Type", "sqlite")
	v.SetDefault("Database.DSN", "data/gateway.db")
	v.SetDefault("CAS.Enabled", false)
	v.SetDefault("CAS.Name", "cas")
	v.SetDefault("CAS.Inner", "local")
	v.SetDefault("CAS.PendingDir", "data/pending")
	v.SetDefault("CAS.CompleteDir", "data/complete")
	v.SetDefault("CAS.CallbackURL", "")
	v.SetDefault("CAS.Parity.DataShards", 0)
	v.SetDefault("CAS.Parity.ParityShards", 0)
	v.SetDefault("CAS.Parity.Dir", "data/parity")
	v.SetDefault("CAS.Backup", "")
	v.SetDefault("CAS.ClamdSocket", "")
	v.SetDefault("Signing.Secret", "")
	v.SetDefault("Signing.MaxSkewSeconds", 300)
	v.SetDefault("Tasks.Workers", 2)
	v.SetDefault("Tasks.QueueSize", 256)
	v.SetDefault("Tasks.MaxAttempts", 3)
	v.SetDefault("Tasks.WarnAfter", 2)
	v.SetDefault("Tasks.InitialWaitMS", 500)
	v.SetDefault("Tasks.MaxWaitMS", 30000)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		slog.Info("config file not found, using environment and defaults", "path", path)
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return err
	}
	// Defaults for map keys would merge into configured maps, so the
	// fallback provider is only added when none is configured.
	if len(cfg.Providers) == 0 {
		cfg.Providers = map[string]storage.Settings{
			"local": {Type: storage.TypeLocal, LocalPath: "data/files"},
		}
	}
	AppConfig = cfg

	slog.Info("configuration loaded",
		slog.String("serverPort", cfg.ServerPort),
		slog.String("dbType", cfg.Database.Type),
		slog.Any("providers", cfg.ProviderNames()),
		slog.Bool("cas", cfg.CAS.Enabled),
	)
	return nil
}

func (c *Config) GetRateLimitDuration() time.Duration {
	return time.Duration(c.RateLimit.DurationMinutes) * time.Minute
}

func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadSizeMB * 1024 * 1024
}

func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RetryConfig converts the task settings into backoff parameters.
func (c *Config) RetryConfig() tasks.RetryConfig {
	retry := tasks.DefaultRetryConfig()
	if c.Tasks.MaxAttempts > 0 {
		retry.MaxAttempts = c.Tasks.MaxAttempts
	}
	if c.Tasks.InitialWaitMS > 0 {
		retry.InitialWait = time.Duration(c.Tasks.InitialWaitMS) * time.Millisecond
	}
	if c.Tasks.MaxWaitMS > 0 {
		retry.MaxWait = time.Duration(c.Tasks.MaxWaitMS) * time.Millisecond
	}
	return retry
}
