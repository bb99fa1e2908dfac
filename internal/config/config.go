package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultStore           = StoreSQLite
	defaultDBPath          = "runsync.db"
	defaultRedisAddr       = "localhost:6379"
	defaultDispatchWorkers = 8
	defaultDispatchQueue   = 256
	defaultTickWorkers     = 4
	defaultStatusTimeout   = 10 * time.Second
	defaultPollInterval    = 5 * time.Second
	defaultNamespace       = "default"
	defaultNuclioQPS       = 5

	envListenAddr      = "RUNSYNC_LISTEN_ADDR"
	envStore           = "RUNSYNC_STORE"
	envDBPath          = "RUNSYNC_DB_PATH"
	envRedisAddr       = "RUNSYNC_REDIS_ADDR"
	envLogLevel        = "RUNSYNC_LOG_LEVEL"
	envDispatchWorkers = "RUNSYNC_DISPATCH_WORKERS"
	envDispatchQueue   = "RUNSYNC_DISPATCH_QUEUE"
	envTickWorkers     = "RUNSYNC_TICK_WORKERS"
	envStatusTimeout   = "RUNSYNC_STATUS_TIMEOUT"
	envPollInterval    = "RUNSYNC_POLL_INTERVAL"
	envPollersFile     = "RUNSYNC_POLLERS_FILE"
	envKubeconfig      = "RUNSYNC_KUBECONFIG"
	envNamespace       = "RUNSYNC_NAMESPACE"
	envNuclioURL       = "RUNSYNC_NUCLIO_URL"
	envNuclioQPS       = "RUNSYNC_NUCLIO_QPS"
	envNATSURL         = "RUNSYNC_NATS_URL"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	Store      string
	DBPath     string
	RedisAddr  string
	LogLevel   slog.Level

	DispatchWorkers int
	DispatchQueue   int
	TickWorkers     int
	StatusTimeout   time.Duration
	PollInterval    time.Duration
	PollersFile     string

	Kubeconfig string
	Namespace  string
	NuclioURL  string
	NuclioQPS  float64
	NATSURL    string
}

// Load reads configuration from environment variables with sensible
// defaults. Malformed numbers and durations are errors.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		Store:           defaultStore,
		DBPath:          defaultDBPath,
		RedisAddr:       defaultRedisAddr,
		LogLevel:        slog.LevelInfo,
		DispatchWorkers: defaultDispatchWorkers,
		DispatchQueue:   defaultDispatchQueue,
		TickWorkers:     defaultTickWorkers,
		StatusTimeout:   defaultStatusTimeout,
		PollInterval:    defaultPollInterval,
		Namespace:       defaultNamespace,
		NuclioQPS:       defaultNuclioQPS,
	}

	setString(&cfg.ListenAddr, envListenAddr)
	setString(&cfg.Store, envStore)
	setString(&cfg.DBPath, envDBPath)
	setString(&cfg.RedisAddr, envRedisAddr)
	setString(&cfg.PollersFile, envPollersFile)
	setString(&cfg.Kubeconfig, envKubeconfig)
	setString(&cfg.Namespace, envNamespace)
	setString(&cfg.NuclioURL, envNuclioURL)
	setString(&cfg.NATSURL, envNATSURL)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}

	for _, f := range []struct {
		env string
		dst *int
	}{
		{envDispatchWorkers, &cfg.DispatchWorkers},
		{envDispatchQueue, &cfg.DispatchQueue},
		{envTickWorkers, &cfg.TickWorkers},
	} {
		if err := setInt(f.dst, f.env); err != nil {
			return Config{}, err
		}
	}
	for _, f := range []struct {
		env string
		dst *time.Duration
	}{
		{envStatusTimeout, &cfg.StatusTimeout},
		{envPollInterval, &cfg.PollInterval},
	} {
		if err := setDuration(f.dst, f.env); err != nil {
			return Config{}, err
		}
	}
	if v := os.Getenv(envNuclioQPS); v != "" {
		qps, err := strconv.ParseFloat(v, 64)
		if err != nil || qps <= 0 {
			return Config{}, fmt.Errorf("%s: invalid rate %q", envNuclioQPS, v)
		}
		cfg.NuclioQPS = qps
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that may also be set from flags.
func (c Config) Validate() error {
	switch c.Store {
	case StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("unknown store %q, want %s or %s", c.Store, StoreSQLite, StoreRedis)
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s: want a positive integer, got %q", env, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s: want a positive duration, got %q", env, v)
	}
	*dst = d
	return nil
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
