package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	StoreDriver     string        `mapstructure:"STORE_DRIVER"`
	StoreKey        string        `mapstructure:"STORE_KEY"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	GeminiAPIKey    string        `mapstructure:"GEMINI_API_KEY"`
	GeminiModel     string        `mapstructure:"GEMINI_MODEL"`
	GeminiBaseURL   string        `mapstructure:"GEMINI_BASE_URL"`
	GeminiTimeout   time.Duration `mapstructure:"GEMINI_TIMEOUT"`
	StatementBucket string        `mapstructure:"STATEMENT_BUCKET"`
	AWSRegion       string        `mapstructure:"AWS_REGION"`
	MaxUploadSize   string        `mapstructure:"MAX_UPLOAD_SIZE"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	OTLPEndpoint    string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var envKeys = []string{
	"PORT", "ENV", "STORE_DRIVER", "STORE_KEY", "REDIS_URL", "DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "GEMINI_API_KEY", "GEMINI_MODEL",
	"GEMINI_BASE_URL", "GEMINI_TIMEOUT", "STATEMENT_BUCKET", "AWS_REGION",
	"MAX_UPLOAD_SIZE", "REQUEST_TIMEOUT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AUTH_SIGNING_KEY", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", DriverMemory)
	v.SetDefault("STORE_KEY", "medglosa_procedures")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("GEMINI_MODEL", "gemini-3-flash-preview")
	v.SetDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/")
	v.SetDefault("GEMINI_TIMEOUT", "0s")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("MAX_UPLOAD_SIZE", "20M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: running in development mode without AUTH_SIGNING_KEY; all requests are accepted.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the driver-specific requirements and refuses to run
// outside development without a token signing key.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_DRIVER is %q", DriverRedis)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", DriverMemory, DriverRedis, DriverPostgres, c.StoreDriver)
	}

	if c.StoreKey == "" {
		return fmt.Errorf("STORE_KEY must not be empty")
	}
	if c.GeminiTimeout < 0 {
		return fmt.Errorf("GEMINI_TIMEOUT must not be negative")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV is %q", c.Env)
	}
	return nil
}
