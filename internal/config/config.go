package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the metering service
type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Supabase    SupabaseConfig
	Stripe      StripeConfig
	Metering    MeteringConfig
	Retention   RetentionConfig
	Security    SecurityConfig
	RateLimit   RateLimitConfig
	Monitoring  MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// SupabaseConfig holds the managed-store credentials
type SupabaseConfig struct {
	URL        string
	Key        string
	Table      string
	MaxRetries int
}

// StripeConfig holds Stripe API settings used to read subscription state
type StripeConfig struct {
	SecretKey string
	APIURL    string
}

// MeteringConfig holds the quota, ceiling and backend selection settings
type MeteringConfig struct {
	UsageStore         string // postgres | supabase | redis | memory
	Ledger             string // postgres | sqlite | memory
	PlanSource         string // postgres | static
	SQLitePath         string
	MaxMonthlyCostUSD  float64
	WarningRatio       float64
	FreeDailySummaries int
	FreeCycleChats     int
	TrialPolicy        string // unlimited | free_limits
	PricingFile        string
	DefaultModel       string
}

// RetentionConfig holds ledger retention settings
type RetentionConfig struct {
	Enabled  bool
	Horizon  time.Duration
	MaxCost  float64
	Interval time.Duration
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken string
	AccountHeader string
}

// RateLimitConfig holds per-account request limits
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string

	// OTLPEndpoint enables span export over gRPC when set.
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSampleRate float64
	ServiceName     string
}

// LoadConfig loads configuration from environment variables and validates
// it for the server.
func LoadConfig() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads the environment without validating. Callers that adjust
// the result must validate it themselves.
func FromEnv() *Config {
	return &Config{
		Environment: getEnv("ENVIRONMENT", "production"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
			CORSOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"chrome-extension://*"}),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "meter"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "usage_meter"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Supabase: SupabaseConfig{
			URL:        getEnv("SUPABASE_URL", ""),
			Key:        getEnv("SUPABASE_KEY", ""),
			Table:      getEnv("SUPABASE_USAGE_TABLE", "usage_counters"),
			MaxRetries: getEnvAsInt("SUPABASE_MAX_RETRIES", 10),
		},
		Stripe: StripeConfig{
			SecretKey: getEnv("STRIPE_SECRET_KEY", ""),
			APIURL:    getEnv("STRIPE_API_URL", ""),
		},
		Metering: MeteringConfig{
			UsageStore:         getEnv("METER_USAGE_STORE", "postgres"),
			Ledger:             getEnv("METER_LEDGER", "postgres"),
			PlanSource:         getEnv("METER_PLAN_SOURCE", "postgres"),
			SQLitePath:         getEnv("METER_SQLITE_PATH", "ledger.db"),
			MaxMonthlyCostUSD:  getEnvAsFloat("METER_MAX_MONTHLY_COST", 2.50),
			WarningRatio:       getEnvAsFloat("METER_WARNING_RATIO", 0.8),
			FreeDailySummaries: getEnvAsInt("METER_FREE_DAILY_SUMMARIES", 3),
			FreeCycleChats:     getEnvAsInt("METER_FREE_CYCLE_CHATS", 5),
			TrialPolicy:        getEnv("METER_TRIAL_POLICY", "unlimited"),
			PricingFile:        getEnv("METER_PRICING_FILE", ""),
			DefaultModel:       getEnv("METER_DEFAULT_MODEL", ""),
		},
		Retention: RetentionConfig{
			Enabled:  getEnvAsBool("METER_RETENTION_ENABLED", true),
			Horizon:  getEnvAsDuration("METER_RETENTION_HORIZON", "8760h"),
			MaxCost:  getEnvAsFloat("METER_RETENTION_MAX_COST", 0.01),
			Interval: getEnvAsDuration("METER_RETENTION_INTERVAL", "24h"),
		},
		Security: SecurityConfig{
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
			AccountHeader: getEnv("ACCOUNT_ID_HEADER", "X-Account-ID"),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 120),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),

			OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure:    getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			TraceSampleRate: getEnvAsFloat("OTEL_TRACES_SAMPLE_RATE", 1.0),
			ServiceName:     getEnv("OTEL_SERVICE_NAME", "usage-meter"),
		},
	}
}

// Validate checks the full server configuration
func (c *Config) Validate() error {
	if err := c.ValidateBackends(); err != nil {
		return err
	}
	if c.Security.AdminAPIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required")
	}
	return nil
}

// ValidateBackends checks that the selected backends have what they need
func (c *Config) ValidateBackends() error {
	switch c.Metering.UsageStore {
	case "postgres":
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required for the postgres usage store")
		}
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.Key == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY are required for the supabase usage store")
		}
	case "redis":
		if c.Redis.Host == "" {
			return fmt.Errorf("REDIS_HOST is required for the redis usage store")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("memory usage store is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown METER_USAGE_STORE %q", c.Metering.UsageStore)
	}

	switch c.Metering.Ledger {
	case "postgres":
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required for the postgres ledger")
		}
	case "sqlite":
		if c.Metering.SQLitePath == "" {
			return fmt.Errorf("METER_SQLITE_PATH is required for the sqlite ledger")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("memory ledger is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown METER_LEDGER %q", c.Metering.Ledger)
	}

	switch c.Metering.PlanSource {
	case "postgres", "static":
	default:
		return fmt.Errorf("unknown METER_PLAN_SOURCE %q", c.Metering.PlanSource)
	}

	switch c.Metering.TrialPolicy {
	case "unlimited", "free_limits":
	default:
		return fmt.Errorf("METER_TRIAL_POLICY must be unlimited or free_limits")
	}

	if c.Metering.WarningRatio <= 0 || c.Metering.WarningRatio > 1 {
		return fmt.Errorf("METER_WARNING_RATIO must be in (0, 1]")
	}

	return nil
}

// IsProduction reports whether the service runs with production guarantees
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
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

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
