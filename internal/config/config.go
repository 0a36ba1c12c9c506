package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Storage backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	BlobFS      = "fs"
	BlobMinio   = "minio"
)

type Config struct {
	Port     string `validate:"required"`
	DBPath   string `validate:"required"`
	LogLevel string `validate:"oneof=debug info warn error"`

	MaxRows              int `validate:"gte=1"`
	DefaultChunkSize     int `validate:"gte=1,ltefield=MaxChunkSize"`
	MaxChunkSize         int `validate:"gte=1"`
	ExternalizeThreshold int `validate:"gte=0"`
	DefaultTaxRate       decimal.Decimal

	ProfileCacheTTL time.Duration `validate:"gt=0"`
	ResultTTL       time.Duration `validate:"gt=0"`
	JobTimeout      time.Duration `validate:"gt=0"`
	JobMaxAttempts  int           `validate:"gte=1"`
	RetryBackoff    []time.Duration
	WorkerCount     int `validate:"gte=1"`
	WorkerQueueSize int `validate:"gte=1"`

	StoreBackend  string `validate:"oneof=memory redis"`
	RedisAddr     string `validate:"required_if=StoreBackend redis"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	BlobBackend    string `validate:"oneof=fs minio"`
	ResultDir      string `validate:"required_if=BlobBackend fs"`
	MinioEndpoint  string `validate:"required_if=BlobBackend minio"`
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string `validate:"required_if=BlobBackend minio"`
	MinioSecure    bool

	SweepSchedule   string `validate:"required"`
	ProfileSeedPath string
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:     getenv("PORT", "8080"),
		DBPath:   getenv("DB_PATH", "settlement.db"),
		LogLevel: strings.ToLower(getenv("LOG_LEVEL", "info")),

		MaxRows:              getenvInt("MAX_ROWS", 1000),
		DefaultChunkSize:     getenvInt("DEFAULT_CHUNK_SIZE", 50),
		MaxChunkSize:         getenvInt("MAX_CHUNK_SIZE", 500),
		ExternalizeThreshold: getenvInt("EXTERNALIZE_THRESHOLD", 100),
		DefaultTaxRate:       getenvDecimal("DEFAULT_TAX_RATE", decimal.NewFromFloat(0.10)),

		ProfileCacheTTL: getenvDuration("PROFILE_CACHE_TTL", 5*time.Minute),
		ResultTTL:       getenvDuration("RESULT_TTL", time.Hour),
		JobTimeout:      getenvDuration("JOB_TIMEOUT", 10*time.Minute),
		JobMaxAttempts:  getenvInt("JOB_MAX_ATTEMPTS", 3),
		RetryBackoff:    getenvDurations("JOB_RETRY_BACKOFF", []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second}),
		WorkerCount:     getenvInt("WORKER_COUNT", 4),
		WorkerQueueSize: getenvInt("WORKER_QUEUE_SIZE", 100),

		StoreBackend:  strings.ToLower(getenv("STORE_BACKEND", StoreMemory)),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		BlobBackend:    strings.ToLower(getenv("BLOB_BACKEND", BlobFS)),
		ResultDir:      getenv("RESULT_DIR", "results"),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "settlement-results"),
		MinioSecure:    getenvBool("MINIO_SECURE", false),

		SweepSchedule:   getenv("SWEEP_SCHEDULE", "@every 5m"),
		ProfileSeedPath: getenv("PROFILE_SEED_PATH", "testdata/profiles.json"),
	}
}

// Validate checks ranges and backend-specific requirements.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.DefaultTaxRate.IsNegative() || c.DefaultTaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("invalid config: DEFAULT_TAX_RATE must be between 0 and 1, got %s", c.DefaultTaxRate)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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

// getenvDurations parses a comma separated list such as "2s,10s,30s".
func getenvDurations(key string, def []time.Duration) []time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return def
		}
		out = append(out, d)
	}
	return out
}

func getenvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return def
	}
	return parsed
}
