package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	RedisAddr     string
	ClickHouseDSN string
	PostgresDSN   string
	GeoIPDB       string
	DebugTrace    bool
	// LogSampleRate is the share of filter rejections logged at debug level.
	LogSampleRate  float64
	ReloadInterval time.Duration
	ServiceName    string
	// InstanceID identifies this process in heartbeat keys.
	InstanceID string
	// ExchangesConfig is the path of the YAML exchange definitions.
	ExchangesConfig string
	// Controller configuration
	EnableWindow   time.Duration
	EnableRefresh  time.Duration
	ControlChannel string
	// Analytics sink configuration
	AnalyticsEnabled   bool
	AnalyticsQueueSize int
	AnalyticsBatchSize int
	AnalyticsFlush     time.Duration
	ShutdownTimeout    time.Duration
	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// ClickHouse connection pooling configuration
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration
	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.GeoIPDB = getenv("GEOIP_DB", "internal/geoip/testdata/GeoLite2-Country.mmdb")
	cfg.DebugTrace = envBool("DEBUG_TRACE", false)
	cfg.LogSampleRate = envFloat("LOG_SAMPLE_RATE", 0.01)
	// default to 30 seconds between automatic reloads
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "rtbconnect")
	cfg.InstanceID = getenv("INSTANCE_ID", hostname())
	cfg.ExchangesConfig = getenv("EXCHANGES_CONFIG", "exchanges.yaml")

	cfg.EnableWindow = envDuration("ENABLE_WINDOW", 30*time.Second)
	cfg.EnableRefresh = envDuration("ENABLE_REFRESH", 10*time.Second)
	cfg.ControlChannel = getenv("CONTROL_CHANNEL", "exchange-control")

	cfg.AnalyticsEnabled = envBool("ANALYTICS_ENABLED", true)
	cfg.AnalyticsQueueSize = envInt("ANALYTICS_QUEUE_SIZE", 10000)
	cfg.AnalyticsBatchSize = envInt("ANALYTICS_BATCH_SIZE", 500)
	cfg.AnalyticsFlush = envDuration("ANALYTICS_FLUSH_INTERVAL", time.Second)
	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", 10*time.Second)

	// Database connection pooling configuration
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// ClickHouse receives one batched insert per flush, so the pool stays small.
	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 10)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 5)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Tracing configuration
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 0.01)

	return cfg
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "rtbconnect"
	}
	return h
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
