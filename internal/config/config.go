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
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the escrow-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	JobEventQueue                string `mapstructure:"JOB_EVENT_QUEUE"`
	EventsExchange               string `mapstructure:"EVENTS_EXCHANGE"`
	ProcessorAPIBaseURL          string `mapstructure:"PROCESSOR_API_BASE_URL"`
	ProcessorAPIKey              string `mapstructure:"PROCESSOR_API_KEY"`
	ProcessorWebhookSecret       string `mapstructure:"PROCESSOR_WEBHOOK_SECRET"`
	ProcessorTimeoutSeconds      int    `mapstructure:"PROCESSOR_TIMEOUT_SECONDS"`
	JWKSURL                      string `mapstructure:"JWKS_URL"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	AllowedOrigins               string `mapstructure:"ALLOWED_ORIGINS"`
	Currency                     string `mapstructure:"CURRENCY"`
	FeePercentBps                int64  `mapstructure:"FEE_PERCENT_BPS"`
	FeeFixedMinor                int64  `mapstructure:"FEE_FIXED_MINOR"`
	SweepSchedule                string `mapstructure:"SWEEP_SCHEDULE"`
	StuckTransactionTimeoutHours int    `mapstructure:"STUCK_TRANSACTION_TIMEOUT_HOURS"`
	EventRetentionDays           int    `mapstructure:"EVENT_RETENTION_DAYS"`
	ConflictRetryAttempts        int    `mapstructure:"CONFLICT_RETRY_ATTEMPTS"`
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
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("JOB_EVENT_QUEUE", "escrow_service.job_updates")
	viper.SetDefault("EVENTS_EXCHANGE", "homeline.events")
	viper.SetDefault("PROCESSOR_TIMEOUT_SECONDS", 10)
	viper.SetDefault("CURRENCY", "GBP")
	viper.SetDefault("FEE_PERCENT_BPS", 500)
	viper.SetDefault("FEE_FIXED_MINOR", 0)
	viper.SetDefault("SWEEP_SCHEDULE", "@hourly")
	viper.SetDefault("STUCK_TRANSACTION_TIMEOUT_HOURS", 24)
	viper.SetDefault("EVENT_RETENTION_DAYS", 90)
	viper.SetDefault("CONFLICT_RETRY_ATTEMPTS", 3)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JOB_EVENT_QUEUE")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PROCESSOR_API_BASE_URL")
	_ = viper.BindEnv("PROCESSOR_API_KEY")
	_ = viper.BindEnv("PROCESSOR_WEBHOOK_SECRET")
	_ = viper.BindEnv("PROCESSOR_TIMEOUT_SECONDS")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("FEE_PERCENT_BPS")
	_ = viper.BindEnv("FEE_FIXED_MINOR")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("STUCK_TRANSACTION_TIMEOUT_HOURS")
	_ = viper.BindEnv("EVENT_RETENTION_DAYS")
	_ = viper.BindEnv("CONFLICT_RETRY_ATTEMPTS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("ESCROW_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))

	if config.FeePercentBps < 0 {
		log.Printf("level=warn component=config msg=\"negative fee bps configured; coercing to zero\" fee_bps=%d", config.FeePercentBps)
		config.FeePercentBps = 0
	}
	if config.FeePercentBps > 10000 {
		log.Printf("level=warn component=config msg=\"fee bps above 100%%; capping\" fee_bps=%d", config.FeePercentBps)
		config.FeePercentBps = 10000
	}
	if config.FeeFixedMinor < 0 {
		log.Printf("level=warn component=config msg=\"negative fixed fee configured; coercing to zero\" fee_minor=%d", config.FeeFixedMinor)
		config.FeeFixedMinor = 0
	}
	if config.ProcessorTimeoutSeconds <= 0 {
		config.ProcessorTimeoutSeconds = 10
	}
	if config.StuckTransactionTimeoutHours <= 0 {
		config.StuckTransactionTimeoutHours = 24
	}
	if config.EventRetentionDays <= 0 {
		config.EventRetentionDays = 90
	}
	if config.ConflictRetryAttempts <= 0 {
		config.ConflictRetryAttempts = 3
	}

	return
}

// AllowedOriginList splits the comma-separated ALLOWED_ORIGINS value.
func (c Config) AllowedOriginList() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
