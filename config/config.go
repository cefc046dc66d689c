package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the order-sync service.
type Config struct {
	// Server Configuration
	HTTPPort string

	// Database Configuration
	DatabaseHost string
	DatabasePort string
	DatabaseUser string
	DatabasePass string
	DatabaseName string

	// LIS Configuration
	LISBaseURL          string
	LoginPath           string
	ReportPath          string
	OrderMaterialsPath  string
	LogisticRequestPath string
	LISEmail            string
	LISPassword         string

	// Token handling
	TokenTTL         time.Duration // real lifetime of a LIS token
	TokenCacheMargin time.Duration // subtracted from TokenTTL for the cache TTL
	TokenKey         string        // 16/24/32 byte AES key for the cached token

	// HTTP client behaviour
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration

	// Async dispatch
	KafkaHost     string
	DispatchTopic string

	// File storage
	FileStoreDriver string // "fs" or "s3"
	FileStoreRoot   string // fs driver root directory
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() *Config {
	return &Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		DatabaseHost: getEnv("DB_HOST", "localhost"),
		DatabasePort: getEnv("DB_PORT", "5432"),
		DatabaseUser: getEnv("DB_USER", "postgres"),
		DatabasePass: getEnv("DB_PASS", "postgrespassword"),
		DatabaseName: getEnv("DB_NAME", "lis_sync"),

		LISBaseURL:          getEnv("LIS_BASE_URL", "http://localhost:9000"),
		LoginPath:           getEnv("LIS_LOGIN_PATH", "/api/login"),
		ReportPath:          getEnv("LIS_REPORT_PATH", "/api/reports/"),
		OrderMaterialsPath:  getEnv("LIS_ORDER_MATERIALS_PATH", "/api/order-materials/"),
		LogisticRequestPath: getEnv("LIS_LOGISTIC_REQUEST_PATH", "/api/logistic-requests/"),
		LISEmail:            getEnv("LIS_EMAIL", ""),
		LISPassword:         getEnv("LIS_PASSWORD", ""),

		TokenTTL:         getEnvDuration("LIS_TOKEN_TTL", 120*time.Minute),
		TokenCacheMargin: getEnvDuration("LIS_TOKEN_CACHE_MARGIN", 10*time.Minute),
		TokenKey:         getEnv("LIS_TOKEN_KEY", ""),

		RequestTimeout: getEnvDuration("LIS_REQUEST_TIMEOUT", 180*time.Second),
		MaxAttempts:    getEnvInt("LIS_MAX_ATTEMPTS", 3),
		RetryDelay:     getEnvDuration("LIS_RETRY_DELAY", 2*time.Second),

		KafkaHost:     getEnv("KAFKA_HOST", "localhost:9092"),
		DispatchTopic: getEnv("DISPATCH_TOPIC", "COLLECT_REQUEST_DISPATCH"),

		FileStoreDriver: getEnv("FILESTORE_DRIVER", "fs"),
		FileStoreRoot:   getEnv("FILESTORE_ROOT", "./storage"),
		S3Bucket:        getEnv("FILESTORE_S3_BUCKET", ""),
		S3Region:        getEnv("FILESTORE_S3_REGION", ""),
		S3Endpoint:      getEnv("FILESTORE_S3_ENDPOINT", ""),
	}
}

// GetDSN returns the PostgreSQL connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseUser,
		c.DatabasePass,
		c.DatabaseName,
	)
}

// LoginURL is the absolute LIS login endpoint.
func (c *Config) LoginURL() string {
	return c.LISBaseURL + c.LoginPath
}

// ReportURL is the report endpoint for an order's remote id.
func (c *Config) ReportURL(serverID int64) string {
	return fmt.Sprintf("%s%s%d", c.LISBaseURL, ensureTrailingSlash(c.ReportPath), serverID)
}

// OrderMaterialsURL is the order-material endpoint for a referrer.
func (c *Config) OrderMaterialsURL(referrerID string) string {
	return c.LISBaseURL + ensureTrailingSlash(c.OrderMaterialsPath) + referrerID
}

// LogisticRequestURL is the logistics endpoint for a user.
func (c *Config) LogisticRequestURL(userID string) string {
	return c.LISBaseURL + ensureTrailingSlash(c.LogisticRequestPath) + userID
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.LISBaseURL == "" {
		return fmt.Errorf("LIS_BASE_URL is required")
	}
	if c.TokenKey == "" {
		return fmt.Errorf("LIS_TOKEN_KEY is required")
	}
	switch len(c.TokenKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("LIS_TOKEN_KEY must be 16, 24 or 32 bytes, got %d", len(c.TokenKey))
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("LIS_MAX_ATTEMPTS must be at least 1")
	}
	if c.TokenCacheMargin >= c.TokenTTL {
		return fmt.Errorf("LIS_TOKEN_CACHE_MARGIN must be smaller than LIS_TOKEN_TTL")
	}
	if c.FileStoreDriver == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("FILESTORE_S3_BUCKET is required for the s3 driver")
	}
	return nil
}

func ensureTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// Helper function to get environment variable with default
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
