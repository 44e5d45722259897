package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName    string
	AppVersion string
	Port       string

	Environment   string
	AdminAPIToken string

	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Scheduling knobs. Per-service settings (refresh intervals, quotas)
	// live in the service_configurations table; these are process-wide.
	DebounceWindow   time.Duration
	MaxJobDuration   time.Duration
	ReaperInterval   time.Duration
	StatsCacheTTL    time.Duration
	RegistryReload   time.Duration
	DispatchRatePerS int

	// Services whose runner is a Redis sequential queue rather than a
	// direct hand-off.
	SeqQueueServices []string
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "enrichd"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Port:              getenv("PORT", "8080"),
		Environment:       environment,
		AdminAPIToken:     strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "enrichd"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBMaxIdleConn:     10,
		DBMaxOpenConn:     100,
		DBConnMaxLifetime: 3600,
		DBConnMaxIdleTime: 60,
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:           getenvInt("REDIS_DB", 0),
		DebounceWindow:    getenvDuration("DEBOUNCE_WINDOW", 10*time.Minute),
		MaxJobDuration:    getenvDuration("MAX_JOB_DURATION", 30*time.Minute),
		ReaperInterval:    getenvDuration("REAPER_INTERVAL", time.Minute),
		StatsCacheTTL:     getenvDuration("STATS_CACHE_TTL", time.Second),
		RegistryReload:    getenvDuration("REGISTRY_RELOAD_INTERVAL", time.Minute),
		DispatchRatePerS:  getenvInt("DISPATCH_RATE_PER_SECOND", 20),
		SeqQueueServices:  getenvList("SEQ_QUEUE_SERVICES", []string{"browser_automation"}),
	}

	return &cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string, def []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
