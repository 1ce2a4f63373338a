package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the GPU control plane
type Config struct {
	Server      ServerConfig
	Novita      NovitaConfig
	Redis       RedisConfig
	HealthCheck HealthCheckConfig
	Migration   MigrationConfig
	Startup     StartupConfig
	AutoStop    AutoStopConfig
	Jobs        JobsConfig
	Billing     BillingConfig
	Monitoring  MonitoringConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NovitaConfig holds upstream GPU API configuration
type NovitaConfig struct {
	APIKey           string
	BaseURL          string
	DefaultRegion    string
	PollInterval     time.Duration
	MaxRetryAttempts int
	RequestTimeout   time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL               string
	Token             string
	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	KeyPrefix         string
	EnableFallback    bool
}

// HealthCheckConfig holds endpoint probe defaults
type HealthCheckConfig struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	MaxWaitTime   time.Duration
}

// MigrationConfig holds spot reclaim migration configuration
type MigrationConfig struct {
	Enabled          bool
	ScheduleInterval time.Duration
	JobTimeout       time.Duration
	MaxConcurrent    int
	DryRun           bool
	RetryFailed      bool
}

// StartupConfig holds instance startup operation configuration
type StartupConfig struct {
	DefaultMaxWaitTime time.Duration
	EnableNameLookup   bool
	OperationTimeout   time.Duration
}

// AutoStopConfig holds idle instance auto-stop configuration
type AutoStopConfig struct {
	Enabled       bool
	IdleThreshold time.Duration
	CheckInterval time.Duration
}

// JobsConfig holds job queue tuning
type JobsConfig struct {
	WorkerCount      int
	PollInterval     time.Duration
	StaleThreshold   time.Duration
	RetentionPeriod  time.Duration
	MaintenanceEvery time.Duration
}

// BillingConfig holds the optional usage billing configuration.
// Billing is disabled when DatabaseURL is empty.
type BillingConfig struct {
	DatabaseURL            string
	StripeSecretKey        string
	StripeSubscriptionItem string
	AggregationInterval    time.Duration
}

// MonitoringConfig holds logging configuration
type MonitoringConfig struct {
	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Novita: NovitaConfig{
			APIKey:           getEnv("NOVITA_API_KEY", ""),
			BaseURL:          getEnv("NOVITA_BASE_URL", "https://api.novita.ai"),
			DefaultRegion:    getEnv("DEFAULT_REGION", "CN-HK-01"),
			PollInterval:     getEnvAsSeconds("POLL_INTERVAL_SECONDS", 30),
			MaxRetryAttempts: getEnvAsInt("MAX_RETRY_ATTEMPTS", 3),
			RequestTimeout:   getEnvAsMillis("REQUEST_TIMEOUT_MS", 30000),
		},
		Redis: RedisConfig{
			URL:               getEnv("REDIS_URL", ""),
			Token:             getEnv("REDIS_TOKEN", ""),
			ConnectionTimeout: getEnvAsMillis("REDIS_CONNECTION_TIMEOUT_MS", 5000),
			CommandTimeout:    getEnvAsMillis("REDIS_COMMAND_TIMEOUT_MS", 3000),
			RetryAttempts:     getEnvAsInt("REDIS_RETRY_ATTEMPTS", 3),
			RetryDelay:        getEnvAsMillis("REDIS_RETRY_DELAY_MS", 1000),
			KeyPrefix:         getEnv("REDIS_KEY_PREFIX", "novita_api"),
			EnableFallback:    getEnvAsBool("REDIS_ENABLE_FALLBACK", true),
		},
		HealthCheck: HealthCheckConfig{
			Timeout:       getEnvAsMillis("HEALTH_CHECK_TIMEOUT_MS", 10000),
			RetryAttempts: getEnvAsInt("HEALTH_CHECK_RETRY_ATTEMPTS", 3),
			RetryDelay:    getEnvAsMillis("HEALTH_CHECK_RETRY_DELAY_MS", 2000),
			MaxWaitTime:   getEnvAsMillis("HEALTH_CHECK_MAX_WAIT_MS", 300000),
		},
		Migration: MigrationConfig{
			Enabled:          getEnvAsBool("MIGRATION_ENABLED", true),
			ScheduleInterval: getEnvAsMillis("MIGRATION_SCHEDULE_INTERVAL_MS", 15*60*1000),
			JobTimeout:       getEnvAsMillis("MIGRATION_JOB_TIMEOUT_MS", 10*60*1000),
			MaxConcurrent:    getEnvAsInt("MIGRATION_MAX_CONCURRENT", 5),
			DryRun:           getEnvAsBool("MIGRATION_DRY_RUN", false),
			RetryFailed:      getEnvAsBool("MIGRATION_RETRY_FAILED", false),
		},
		Startup: StartupConfig{
			DefaultMaxWaitTime: getEnvAsMillis("INSTANCE_STARTUP_DEFAULT_MAX_WAIT_MS", 10*60*1000),
			EnableNameLookup:   getEnvAsBool("INSTANCE_STARTUP_ENABLE_NAME_LOOKUP", true),
			OperationTimeout:   getEnvAsMillis("INSTANCE_STARTUP_OPERATION_TIMEOUT_MS", 20*60*1000),
		},
		AutoStop: AutoStopConfig{
			Enabled:       getEnvAsBool("AUTO_STOP_ENABLED", false),
			IdleThreshold: getEnvAsMillis("AUTO_STOP_IDLE_MS", 60*60*1000),
			CheckInterval: getEnvAsMillis("AUTO_STOP_CHECK_INTERVAL_MS", 10*60*1000),
		},
		Jobs: JobsConfig{
			WorkerCount:      getEnvAsInt("JOB_WORKER_COUNT", 1),
			PollInterval:     getEnvAsMillis("JOB_POLL_INTERVAL_MS", 1000),
			StaleThreshold:   getEnvAsMillis("JOB_STALE_THRESHOLD_MS", 5*60*1000),
			RetentionPeriod:  getEnvAsMillis("JOB_RETENTION_MS", 24*60*60*1000),
			MaintenanceEvery: getEnvAsMillis("JOB_MAINTENANCE_INTERVAL_MS", 60*1000),
		},
		Billing: BillingConfig{
			DatabaseURL:            getEnv("BILLING_DATABASE_URL", ""),
			StripeSecretKey:        getEnv("STRIPE_SECRET_KEY", ""),
			StripeSubscriptionItem: getEnv("STRIPE_SUBSCRIPTION_ITEM", ""),
			AggregationInterval:    getEnvAsDuration("BILLING_AGGREGATION_INTERVAL", "1h"),
		},
		Monitoring: MonitoringConfig{
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
	}

	// Validate required fields
	if cfg.Novita.APIKey == "" {
		return nil, fmt.Errorf("NOVITA_API_KEY is required")
	}
	if _, err := url.Parse(cfg.Novita.BaseURL); err != nil {
		return nil, fmt.Errorf("NOVITA_BASE_URL is not a valid URL: %w", err)
	}
	if cfg.Jobs.WorkerCount < 1 {
		return nil, fmt.Errorf("JOB_WORKER_COUNT must be at least 1")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}

func getEnvAsSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Second
}
