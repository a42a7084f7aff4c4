package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration
type Config struct {
	// Reference data
	Corpus CorpusConfig

	// Scan admission and post-scan actions
	Scan ScanConfig

	// ClickHouse
	ClickHouse ClickHouseConfig

	// Redis
	Redis RedisConfig

	// MinIO
	MinIO MinIOConfig

	// API Server
	API APIConfig

	// Worker Settings
	Worker WorkerConfig

	// Logging
	Log LogConfig

	// Metrics
	Metrics MetricsConfig
}

type CorpusConfig struct {
	// RulesPath overrides the embedded rule corpus when set
	RulesPath      string
	HashCorpusPath string
}

type ScanConfig struct {
	MaxPayloadBytes   int64
	QuarantineMinRisk string
}

type ClickHouseConfig struct {
	Enabled            bool
	Host               string
	Port               int
	Database           string
	User               string
	Password           string
	HashSource         bool
	AuditBatchSize     int
	AuditFlushInterval time.Duration
}

type RedisConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Password  string
	DB        int
	HashSet   string
	RateLimit int
}

type MinIOConfig struct {
	Enabled     bool
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Bucket      string
	UseSSL      bool
	RulesObject string
	HashObject  string
	Quarantine  bool
}

type APIConfig struct {
	Host   string
	Port   int
	APIKey string
}

type WorkerConfig struct {
	Count          int
	FileExtensions []string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

type MetricsConfig struct {
	Enabled bool
	Port    int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Corpus: CorpusConfig{
			RulesPath:      getEnv("RULES_PATH", ""),
			HashCorpusPath: getEnv("HASH_CORPUS_PATH", ""),
		},

		Scan: ScanConfig{
			MaxPayloadBytes:   getEnvInt64("MAX_PAYLOAD_BYTES", 52428800),
			QuarantineMinRisk: getEnv("QUARANTINE_MIN_RISK", "HIGH"),
		},

		ClickHouse: ClickHouseConfig{
			Enabled:            getEnvBool("CLICKHOUSE_ENABLED", false),
			Host:               getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:               getEnvInt("CLICKHOUSE_PORT", 9000),
			Database:           getEnv("CLICKHOUSE_DATABASE", "threat_intel"),
			User:               getEnv("CLICKHOUSE_USER", "default"),
			Password:           getEnv("CLICKHOUSE_PASSWORD", ""),
			HashSource:         getEnvBool("CLICKHOUSE_HASH_SOURCE", false),
			AuditBatchSize:     getEnvInt("AUDIT_BATCH_SIZE", 500),
			AuditFlushInterval: getEnvDuration("AUDIT_FLUSH_INTERVAL", 5*time.Second),
		},

		Redis: RedisConfig{
			Enabled:   getEnvBool("REDIS_ENABLED", false),
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnvInt("REDIS_PORT", 6379),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			HashSet:   getEnv("REDIS_HASH_SET", ""),
			RateLimit: getEnvInt("RATE_LIMIT_PER_MINUTE", 100),
		},

		MinIO: MinIOConfig{
			Enabled:     getEnvBool("MINIO_ENABLED", false),
			Endpoint:    getEnv("MINIO_ENDPOINT", "localhost:9002"),
			AccessKey:   getEnv("MINIO_ACCESS_KEY", "admin"),
			SecretKey:   getEnv("MINIO_SECRET_KEY", ""),
			Bucket:      getEnv("MINIO_BUCKET", "image-scanner"),
			UseSSL:      getEnvBool("MINIO_USE_SSL", false),
			RulesObject: getEnv("MINIO_RULES_OBJECT", ""),
			HashObject:  getEnv("MINIO_HASH_OBJECT", ""),
			Quarantine:  getEnvBool("MINIO_QUARANTINE", true),
		},

		API: APIConfig{
			Host:   getEnv("API_HOST", "0.0.0.0"),
			Port:   getEnvInt("API_PORT", 8080),
			APIKey: getEnv("API_KEY", ""),
		},

		Worker: WorkerConfig{
			Count:          getEnvInt("WORKER_COUNT", 8),
			FileExtensions: getEnvSlice("FILE_EXTENSIONS", []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".tif", ".webp", ".ico", ".psd"}),
		},

		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			File:   getEnv("LOG_FILE", ""),
		},

		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Initialize logger based on config
	initLogger(cfg.Log)

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scan.MaxPayloadBytes <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_BYTES must be positive, got %d", c.Scan.MaxPayloadBytes)
	}
	switch strings.ToUpper(c.Scan.QuarantineMinRisk) {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
	default:
		return fmt.Errorf("QUARANTINE_MIN_RISK %q is not one of LOW, MEDIUM, HIGH, CRITICAL", c.Scan.QuarantineMinRisk)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Worker.Count)
	}
	if c.ClickHouse.AuditBatchSize < 1 {
		return fmt.Errorf("AUDIT_BATCH_SIZE must be at least 1, got %d", c.ClickHouse.AuditBatchSize)
	}
	return nil
}

// initLogger sets up zerolog based on configuration
func initLogger(cfg LogConfig) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	// Set log file if specified
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.Logger = log.Output(file)
		}
	}
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}
