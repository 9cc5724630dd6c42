// Package config loads isorun's runtime configuration from environment
// variables, an optional .env file, and (once loaded) watches that .env
// file for edits so an operator can tune limits without a restart.
// Grounded on cmd/pulse's Load() shape (env-first, .env as a fallback
// layer, int/duration/bool helpers with defaults) and internal/config's
// fsnotify-based ConfigWatcher, using github.com/joho/godotenv and
// github.com/fsnotify/fsnotify, both teacher root dependencies.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var componentLog = log.With().Str("component", "config").Logger()

// defaultDataDir is overridden in tests the way cmd/pulse's equivalent is.
var defaultDataDir = "/etc/isorun"

// Config is isorun's full runtime configuration, covering both the HTTP
// entry point and the kernel defaults from spec.md §4.12.
type Config struct {
	Port int

	DataDir string

	MaxSize        int
	DefaultTimeout time.Duration
	EnvWhitelist   []string
	StrictPerms    bool

	ClusterMin  int
	ClusterMax  int
	ClusterIdle time.Duration

	DBPoolLimit       int
	DBPoolIdleTimeout time.Duration
	DBURL             string

	DockerEnabled bool
	DockerImage   string

	LogLevel  string
	LogPretty bool
}

// Default returns isorun's baked-in defaults, matching the kernel and
// cluster package defaults so Load() never silently drifts from them.
func Default() Config {
	return Config{
		Port:              8080,
		DataDir:           defaultDataDir,
		MaxSize:           100_000,
		DefaultTimeout:    3 * time.Second,
		EnvWhitelist:      []string{"PUBLIC_*"},
		ClusterMin:        2,
		ClusterMax:        8,
		ClusterIdle:       120 * time.Second,
		DBPoolLimit:       16,
		DBPoolIdleTimeout: 120 * time.Second,
		DockerImage:       "node:20-alpine",
		LogLevel:          "info",
		LogPretty:         false,
	}
}

// Load reads ISORUN_DATA_DIR/.env (if present) into the process
// environment, then builds a Config from environment variables layered
// over Default(). godotenv.Load never overrides a variable already set
// in the environment, so explicit env vars always win over the .env file.
func Load() (Config, error) {
	return load(false)
}

// Reload behaves like Load but overwrites already-set process env vars
// from the .env file, so a Watcher picks up an edited value even though
// the previous load already populated the environment.
func Reload() (Config, error) {
	return load(true)
}

func load(overload bool) (Config, error) {
	cfg := Default()

	if dir := os.Getenv("ISORUN_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	envPath := filepath.Join(cfg.DataDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		var err error
		if overload {
			err = godotenv.Overload(envPath)
		} else {
			err = godotenv.Load(envPath)
		}
		if err != nil {
			componentLog.Warn().Err(err).Str("path", envPath).Msg("failed to load .env file")
		}
	}

	cfg.Port = intEnv("ISORUN_PORT", cfg.Port)
	cfg.MaxSize = intEnv("ISORUN_MAX_SIZE", cfg.MaxSize)
	cfg.DefaultTimeout = durationEnv("ISORUN_DEFAULT_TIMEOUT", cfg.DefaultTimeout)
	cfg.EnvWhitelist = csvEnv("ISORUN_ENV_WHITELIST", cfg.EnvWhitelist)
	cfg.StrictPerms = boolEnv("ISORUN_STRICT_PERMISSIONS", cfg.StrictPerms)

	cfg.ClusterMin = intEnv("ISORUN_CLUSTER_MIN", cfg.ClusterMin)
	cfg.ClusterMax = intEnv("ISORUN_CLUSTER_MAX", cfg.ClusterMax)
	cfg.ClusterIdle = durationEnv("ISORUN_CLUSTER_IDLE", cfg.ClusterIdle)

	cfg.DBPoolLimit = intEnv("ISORUN_DB_POOL_LIMIT", cfg.DBPoolLimit)
	cfg.DBPoolIdleTimeout = durationEnv("ISORUN_DB_POOL_IDLE_TIMEOUT", cfg.DBPoolIdleTimeout)
	cfg.DBURL = os.Getenv("ISORUN_DB_URL")

	cfg.DockerEnabled = boolEnv("ISORUN_DOCKER_DRIVER", cfg.DockerEnabled)
	cfg.DockerImage = stringEnv("ISORUN_DOCKER_IMAGE", cfg.DockerImage)

	cfg.LogLevel = stringEnv("ISORUN_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = boolEnv("ISORUN_LOG_PRETTY", cfg.LogPretty)

	return cfg, nil
}

func stringEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		componentLog.Warn().Str("key", key).Str("value", v).Msg("invalid integer env var, using default")
		return fallback
	}
	return n
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		componentLog.Warn().Str("key", key).Str("value", v).Msg("invalid boolean env var, using default")
		return fallback
	}
	return b
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		componentLog.Warn().Str("key", key).Str("value", v).Msg("invalid duration env var, using default")
		return fallback
	}
	return d
}

func csvEnv(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
