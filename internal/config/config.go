package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "CONFESSD"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "confessd.db"
	defaultLogLevel         = "info"
	defaultHourCap          = 5
	defaultDayCap           = 20
	defaultCooldownMinutes  = 10
	defaultWindowMinutes    = 60
	defaultRedisDB          = 0
	defaultTierTimeoutMilli = 250
)

// AppConfig captures runtime configuration for the confession engine.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	RedisAddress    string
	RedisPassword   string
	RedisDB         int
	HourCap         int
	DayCap          int
	Cooldown        time.Duration
	Window          time.Duration
	TierTimeout     time.Duration
	ModeratorSecret string
	LogLevel        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.db", defaultRedisDB)
	configViper.SetDefault("limits.per_hour", defaultHourCap)
	configViper.SetDefault("limits.per_day", defaultDayCap)
	configViper.SetDefault("limits.cooldown_minutes", defaultCooldownMinutes)
	configViper.SetDefault("limits.window_minutes", defaultWindowMinutes)
	configViper.SetDefault("limits.tier_timeout_ms", defaultTierTimeoutMilli)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		RedisAddress:    configViper.GetString("redis.address"),
		RedisPassword:   configViper.GetString("redis.password"),
		RedisDB:         configViper.GetInt("redis.db"),
		HourCap:         configViper.GetInt("limits.per_hour"),
		DayCap:          configViper.GetInt("limits.per_day"),
		Cooldown:        time.Duration(configViper.GetInt("limits.cooldown_minutes")) * time.Minute,
		Window:          time.Duration(configViper.GetInt("limits.window_minutes")) * time.Minute,
		TierTimeout:     time.Duration(configViper.GetInt("limits.tier_timeout_ms")) * time.Millisecond,
		ModeratorSecret: configViper.GetString("moderation.signing_secret"),
		LogLevel:        configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ModeratorSecret) == "" {
		return fmt.Errorf("moderation.signing_secret is required")
	}
	if c.HourCap <= 0 {
		return fmt.Errorf("limits.per_hour must be positive")
	}
	if c.DayCap <= 0 {
		return fmt.Errorf("limits.per_day must be positive")
	}
	if c.Window <= 0 {
		return fmt.Errorf("limits.window_minutes must be positive")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("limits.cooldown_minutes must not be negative")
	}
	return nil
}
