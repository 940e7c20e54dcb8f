// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// BusConfig provides event bus connection and delivery settings.
type BusConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetBusConcurrency() int
	GetBusMaxRetry() int
}

// PipelineConfig provides pipeline topology settings.
type PipelineConfig interface {
	GetTopicPrefix() string
	GetStagesFile() string
	GetEdgesFile() string
	GetMaxMessageBytes() int
}

// DetectorConfig provides change-detector fan-out ceiling settings.
type DetectorConfig interface {
	GetFanOutMaxEntities() int
	GetFanOutMaxRosterFraction() float64
	GetFanOutMaxHops() int
}

// SchedulerConfig provides settings for the fallback dispatcher and
// dead-letter monitor process.
type SchedulerConfig interface {
	BusConfig
	GetFallbackTickInterval() time.Duration
	GetReplayRatePerSecond() float64
}

// HTTPConfig provides settings for the operator HTTP API.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
}

// =============================================================================
// Config
// =============================================================================

// Config holds all application configuration loaded from the environment.
type Config struct {
	Env                     string
	HTTPAddr                string
	DatabaseURL             string
	MigrationsDir           string
	RedisURL                string
	RedisTLSInsecure        bool
	TopicPrefix             string
	StagesFile              string
	EdgesFile               string
	BusConcurrency          int
	BusMaxRetry             int
	MaxMessageBytes         int
	FanOutMaxEntities       int
	FanOutMaxRosterFraction float64
	FanOutMaxHops           int
	FallbackTickInterval    time.Duration
	ReplayRatePerSecond     float64
	CORSAllowAll            bool
	CORSOrigins             []string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// BusConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetBusConcurrency() int    { return c.BusConcurrency }
func (c *Config) GetBusMaxRetry() int       { return c.BusMaxRetry }

// PipelineConfig implementation
func (c *Config) GetTopicPrefix() string  { return c.TopicPrefix }
func (c *Config) GetStagesFile() string   { return c.StagesFile }
func (c *Config) GetEdgesFile() string    { return c.EdgesFile }
func (c *Config) GetMaxMessageBytes() int { return c.MaxMessageBytes }

// DetectorConfig implementation
func (c *Config) GetFanOutMaxEntities() int           { return c.FanOutMaxEntities }
func (c *Config) GetFanOutMaxRosterFraction() float64 { return c.FanOutMaxRosterFraction }
func (c *Config) GetFanOutMaxHops() int               { return c.FanOutMaxHops }

// SchedulerConfig implementation
func (c *Config) GetFallbackTickInterval() time.Duration { return c.FallbackTickInterval }
func (c *Config) GetReplayRatePerSecond() float64        { return c.ReplayRatePerSecond }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// =============================================================================
// Loading
// =============================================================================

// Load reads configuration from the environment, applying defaults.
// A .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                     getEnv("APP_ENV", "development"),
		HTTPAddr:                getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		MigrationsDir:           getEnv("MIGRATIONS_DIR", "migrations"),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisTLSInsecure:        strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		TopicPrefix:             getEnv("TOPIC_PREFIX", "boxscore"),
		StagesFile:              getEnv("STAGES_FILE", "config/stages.yaml"),
		EdgesFile:               getEnv("EDGES_FILE", "config/edges.yaml"),
		BusConcurrency:          getIntEnv("BUS_CONCURRENCY", 10),
		BusMaxRetry:             getIntEnv("BUS_MAX_RETRY", 5),
		MaxMessageBytes:         getIntEnv("BUS_MAX_MESSAGE_BYTES", 262144),
		FanOutMaxEntities:       getIntEnv("FANOUT_MAX_ENTITIES", 64),
		FanOutMaxRosterFraction: getFloatEnv("FANOUT_MAX_ROSTER_FRACTION", 0.25),
		FanOutMaxHops:           getIntEnv("FANOUT_MAX_HOPS", 3),
		FallbackTickInterval:    getDurationEnv("FALLBACK_TICK_INTERVAL", 30*time.Second),
		ReplayRatePerSecond:     getFloatEnv("REPLAY_RATE_PER_SECOND", 5),
		CORSAllowAll:            corsAllowAll,
		CORSOrigins:             corsOrigins,
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.BusMaxRetry < 0 {
		return nil, fmt.Errorf("BUS_MAX_RETRY must not be negative")
	}
	if cfg.FanOutMaxRosterFraction <= 0 || cfg.FanOutMaxRosterFraction > 1 {
		return nil, fmt.Errorf("FANOUT_MAX_ROSTER_FRACTION must be in (0, 1]")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// getIntEnv reads an integer environment variable. Unset or unparseable
// values yield the fallback, never a silent zero.
func getIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getFloatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}
