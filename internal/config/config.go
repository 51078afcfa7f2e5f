/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix   string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	TransferEventQueue     string `mapstructure:"TRANSFER_EVENT_QUEUE"`
	GatewayAPIBaseURL      string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey          string `mapstructure:"GATEWAY_API_KEY"`
	DirectoryAPIBaseURL    string `mapstructure:"DIRECTORY_API_BASE_URL"`
	DirectoryAPIKey        string `mapstructure:"DIRECTORY_API_KEY"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	JWKSURL                string `mapstructure:"JWKS_URL"`
	ReconcileSchedule      string `mapstructure:"RECONCILE_SCHEDULE"`
	StalenessThresholdMin  int    `mapstructure:"STALENESS_THRESHOLD_MINUTES"`
	AlertThresholdMin      int    `mapstructure:"ALERT_THRESHOLD_MINUTES"`
	GatewayRetryBudget     int    `mapstructure:"GATEWAY_RETRY_BUDGET"`
	GatewayRetryBackoffMS  int    `mapstructure:"GATEWAY_RETRY_BACKOFF_MS"`
	GatewayRetryBackoffCap int    `mapstructure:"GATEWAY_RETRY_BACKOFF_CAP_MS"`
	ReconcileBatchLimit    int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	HoldRateLimitPerMinute int    `mapstructure:"HOLD_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8084")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "ledger_service.transfer_updates")
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("STALENESS_THRESHOLD_MINUTES", 5)
	viper.SetDefault("ALERT_THRESHOLD_MINUTES", 30)
	viper.SetDefault("GATEWAY_RETRY_BUDGET", 3)
	viper.SetDefault("GATEWAY_RETRY_BACKOFF_MS", 2000)
	viper.SetDefault("GATEWAY_RETRY_BACKOFF_CAP_MS", 30000)
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 100)
	viper.SetDefault("HOLD_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_EVENT_QUEUE")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("DIRECTORY_API_BASE_URL")
	_ = viper.BindEnv("DIRECTORY_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("STALENESS_THRESHOLD_MINUTES")
	_ = viper.BindEnv("ALERT_THRESHOLD_MINUTES")
	_ = viper.BindEnv("GATEWAY_RETRY_BUDGET")
	_ = viper.BindEnv("GATEWAY_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("GATEWAY_RETRY_BACKOFF_CAP_MS")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")
	_ = viper.BindEnv("HOLD_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}
	if strings.TrimSpace(config.ReconcileSchedule) == "" {
		config.ReconcileSchedule = "@every 1m"
	}

	if config.StalenessThresholdMin <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive staleness threshold; using default\" minutes=%d", config.StalenessThresholdMin)
		config.StalenessThresholdMin = 5
	}
	if config.AlertThresholdMin <= config.StalenessThresholdMin {
		log.Printf("level=warn component=config msg=\"alert threshold must exceed staleness threshold; coercing\" alert_minutes=%d staleness_minutes=%d", config.AlertThresholdMin, config.StalenessThresholdMin)
		config.AlertThresholdMin = config.StalenessThresholdMin * 6
	}
	if config.GatewayRetryBudget <= 0 {
		config.GatewayRetryBudget = 3
	}
	if config.GatewayRetryBackoffMS <= 0 {
		config.GatewayRetryBackoffMS = 2000
	}
	if config.GatewayRetryBackoffCap < config.GatewayRetryBackoffMS {
		config.GatewayRetryBackoffCap = config.GatewayRetryBackoffMS * 15
	}
	if config.ReconcileBatchLimit <= 0 {
		config.ReconcileBatchLimit = 100
	}
	if config.HoldRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative hold rate limit; disabling\" limit=%d", config.HoldRateLimitPerMinute)
		config.HoldRateLimitPerMinute = 0
	}

	return
}
