/**
 * @description
 * Configuration management for the payout service. Values come from
 * environment variables and an optional .env file through Viper, then are
 * trimmed and clamped to usable values.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerPort          = "8080"
	defaultRateLimitPrefix     = "payout:rate_limit"
	defaultClaimRateLimit      = 30
	defaultPayoutClaimLimit    = 5
	defaultEventExchange       = "payout_events"
	defaultOutboxPollMS        = 1200
	defaultOutboxBatchSize     = 50
	defaultOutboxWorkers       = 4
	defaultDBMaxConns          = 50
	defaultDBMinConns          = 5
	defaultCORSAllowedOrigins  = "https://*,http://*"
	defaultReconcileSchedule   = "@every 1m"
	defaultAuditSchedule       = "@every 15m"
	defaultReconcileAgeSeconds = 120
	minReconcileAgeSeconds     = 60
	defaultCustodyExchange     = "custody_events"
	defaultCustodyQueue        = "payout_service_custody_status"
)

// Config holds all configuration for the payout service.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns         int32  `mapstructure:"DATABASE_MAX_CONNS"`
	DatabaseMinConns         int32  `mapstructure:"DATABASE_MIN_CONNS"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ClaimRateLimitPerMinute  int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	PayoutClaimLimitPerMin   int    `mapstructure:"CLAIM_RATE_LIMIT_PER_PAYOUT_MINUTE"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventExchange            string `mapstructure:"EVENT_EXCHANGE"`
	CustodyEventsExchange    string `mapstructure:"CUSTODY_EVENTS_EXCHANGE"`
	CustodyEventsQueue       string `mapstructure:"CUSTODY_EVENTS_QUEUE"`
	OutboxPollIntervalMS     int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	OutboxBatchSize          int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxWorkers            int    `mapstructure:"OUTBOX_WORKERS"`
	CustodyAPIBaseURL        string `mapstructure:"CUSTODY_API_BASE_URL"`
	CustodyAPIKey            string `mapstructure:"CUSTODY_API_KEY"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	JWTIssuer                string `mapstructure:"JWT_ISSUER"`
	JWTAudience              string `mapstructure:"JWT_AUDIENCE"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ClaimReconcileSchedule   string `mapstructure:"CLAIM_RECONCILE_SCHEDULE"`
	LedgerAuditSchedule      string `mapstructure:"LEDGER_AUDIT_SCHEDULE"`
	ClaimReconcileAgeSeconds int    `mapstructure:"CLAIM_RECONCILE_AGE_SECONDS"`
	LogLevel                 string `mapstructure:"LOG_LEVEL"`
	LogEncoding              string `mapstructure:"LOG_ENCODING"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("DATABASE_MAX_CONNS", defaultDBMaxConns)
	viper.SetDefault("DATABASE_MIN_CONNS", defaultDBMinConns)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", defaultClaimRateLimit)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_PAYOUT_MINUTE", defaultPayoutClaimLimit)
	viper.SetDefault("EVENT_EXCHANGE", defaultEventExchange)
	viper.SetDefault("CUSTODY_EVENTS_EXCHANGE", defaultCustodyExchange)
	viper.SetDefault("CUSTODY_EVENTS_QUEUE", defaultCustodyQueue)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", defaultOutboxPollMS)
	viper.SetDefault("OUTBOX_BATCH_SIZE", defaultOutboxBatchSize)
	viper.SetDefault("OUTBOX_WORKERS", defaultOutboxWorkers)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", defaultCORSAllowedOrigins)
	viper.SetDefault("CLAIM_RECONCILE_SCHEDULE", defaultReconcileSchedule)
	viper.SetDefault("LEDGER_AUDIT_SCHEDULE", defaultAuditSchedule)
	viper.SetDefault("CLAIM_RECONCILE_AGE_SECONDS", defaultReconcileAgeSeconds)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_ENCODING", "json")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_MAX_CONNS")
	_ = viper.BindEnv("DATABASE_MIN_CONNS")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_PAYOUT_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("CUSTODY_EVENTS_EXCHANGE")
	_ = viper.BindEnv("CUSTODY_EVENTS_QUEUE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_WORKERS")
	_ = viper.BindEnv("CUSTODY_API_BASE_URL")
	_ = viper.BindEnv("CUSTODY_API_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("CLAIM_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("LEDGER_AUDIT_SCHEDULE")
	_ = viper.BindEnv("CLAIM_RECONCILE_AGE_SECONDS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_ENCODING")

	// A missing .env file is fine.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.ServerPort = strings.TrimSpace(c.ServerPort)
	if c.ServerPort == "" {
		c.ServerPort = defaultServerPort
	}
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.CustodyAPIBaseURL = strings.TrimSpace(c.CustodyAPIBaseURL)
	c.CustodyAPIKey = strings.TrimSpace(c.CustodyAPIKey)
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)
	c.JWTIssuer = strings.TrimSpace(c.JWTIssuer)
	c.JWTAudience = strings.TrimSpace(c.JWTAudience)
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)

	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	c.EventExchange = strings.TrimSpace(c.EventExchange)
	if c.EventExchange == "" {
		c.EventExchange = defaultEventExchange
	}
	c.CustodyEventsExchange = strings.TrimSpace(c.CustodyEventsExchange)
	if c.CustodyEventsExchange == "" {
		c.CustodyEventsExchange = defaultCustodyExchange
	}
	c.CustodyEventsQueue = strings.TrimSpace(c.CustodyEventsQueue)
	if c.CustodyEventsQueue == "" {
		c.CustodyEventsQueue = defaultCustodyQueue
	}
	c.CORSAllowedOrigins = strings.TrimSpace(c.CORSAllowedOrigins)
	if c.CORSAllowedOrigins == "" {
		c.CORSAllowedOrigins = defaultCORSAllowedOrigins
	}
	c.ClaimReconcileSchedule = strings.TrimSpace(c.ClaimReconcileSchedule)
	if c.ClaimReconcileSchedule == "" {
		c.ClaimReconcileSchedule = defaultReconcileSchedule
	}
	c.LedgerAuditSchedule = strings.TrimSpace(c.LedgerAuditSchedule)
	if c.LedgerAuditSchedule == "" {
		c.LedgerAuditSchedule = defaultAuditSchedule
	}

	if c.ClaimRateLimitPerMinute <= 0 {
		log.Printf("level=warn component=config msg=\"invalid CLAIM_RATE_LIMIT_PER_MINUTE; using default\" value=%d", c.ClaimRateLimitPerMinute)
		c.ClaimRateLimitPerMinute = defaultClaimRateLimit
	}
	if c.PayoutClaimLimitPerMin <= 0 {
		log.Printf("level=warn component=config msg=\"invalid CLAIM_RATE_LIMIT_PER_PAYOUT_MINUTE; using default\" value=%d", c.PayoutClaimLimitPerMin)
		c.PayoutClaimLimitPerMin = defaultPayoutClaimLimit
	}
	if c.OutboxPollIntervalMS <= 0 {
		c.OutboxPollIntervalMS = defaultOutboxPollMS
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = defaultOutboxBatchSize
	}
	if c.OutboxWorkers <= 0 {
		c.OutboxWorkers = defaultOutboxWorkers
	}
	if c.ClaimReconcileAgeSeconds <= 0 {
		c.ClaimReconcileAgeSeconds = defaultReconcileAgeSeconds
	}
	// A claim transfer may stay in flight for a minute; reconciling sooner can release a paid claim.
	if c.ClaimReconcileAgeSeconds < minReconcileAgeSeconds {
		log.Printf("level=warn component=config msg=\"CLAIM_RECONCILE_AGE_SECONDS below minimum; raising\" value=%d min=%d", c.ClaimReconcileAgeSeconds, minReconcileAgeSeconds)
		c.ClaimReconcileAgeSeconds = minReconcileAgeSeconds
	}
	if c.DatabaseMaxConns <= 0 {
		c.DatabaseMaxConns = defaultDBMaxConns
	}
	if c.DatabaseMinConns < 0 {
		c.DatabaseMinConns = 0
	}
	if c.DatabaseMinConns > c.DatabaseMaxConns {
		log.Printf("level=warn component=config msg=\"DATABASE_MIN_CONNS exceeds DATABASE_MAX_CONNS; clamping\" min=%d max=%d", c.DatabaseMinConns, c.DatabaseMaxConns)
		c.DatabaseMinConns = c.DatabaseMaxConns
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogEncoding = strings.ToLower(strings.TrimSpace(c.LogEncoding))
}

// OutboxPollInterval returns the dispatcher tick.
func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

// ClaimReconcileAge returns how old a pending claim must be before reconciliation touches it.
func (c Config) ClaimReconcileAge() time.Duration {
	return time.Duration(c.ClaimReconcileAgeSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
