package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL               string        `mapstructure:"REDIS_URL"`
	NATSURL                string        `mapstructure:"NATS_URL"`
	NATSSubject            string        `mapstructure:"NATS_SUBJECT"`
	AuthSigningKey         string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer             string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience           string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins            []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS           float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int           `mapstructure:"RATE_LIMIT_BURST"`
	RateLimitWindow        time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	OCREngine              string        `mapstructure:"OCR_ENGINE"`
	OCRLanguage            string        `mapstructure:"OCR_LANGUAGE"`
	OCRPSM                 int           `mapstructure:"OCR_PSM"`
	OCROEM                 int           `mapstructure:"OCR_OEM"`
	OCRDPI                 int           `mapstructure:"OCR_DPI"`
	OCRTimeoutSeconds      int           `mapstructure:"OCR_TIMEOUT_SECONDS"`
	OCRWorkers             int           `mapstructure:"OCR_WORKERS"`
	LowConfidenceThreshold float64       `mapstructure:"LOW_CONFIDENCE_THRESHOLD"`
	MaxUploadSize          string        `mapstructure:"MAX_UPLOAD_SIZE"`
	RequestTimeout         time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "NATS_URL", "NATS_SUBJECT",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "RATE_LIMIT_WINDOW",
	"OCR_ENGINE", "OCR_LANGUAGE", "OCR_PSM", "OCR_OEM", "OCR_DPI",
	"OCR_TIMEOUT_SECONDS", "OCR_WORKERS", "LOW_CONFIDENCE_THRESHOLD",
	"MAX_UPLOAD_SIZE", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("NATS_SUBJECT", "labreport.document.assembled")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 2)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("OCR_ENGINE", "cli")
	v.SetDefault("OCR_LANGUAGE", "eng")
	v.SetDefault("OCR_PSM", 6)
	v.SetDefault("OCR_OEM", 3)
	v.SetDefault("OCR_DPI", 300)
	v.SetDefault("OCR_TIMEOUT_SECONDS", 60)
	v.SetDefault("OCR_WORKERS", 2)
	v.SetDefault("LOW_CONFIDENCE_THRESHOLD", 0.3)
	v.SetDefault("MAX_UPLOAD_SIZE", "25M")
	v.SetDefault("REQUEST_TIMEOUT", "2m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
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

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Unauthenticated requests are attributed to dev-user.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PersistenceEnabled reports whether lab results are stored and history is
// available for trend computation.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so that bearer tokens are verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}

	switch c.OCREngine {
	case "cli", "gosseract":
	default:
		return fmt.Errorf("OCR_ENGINE must be \"cli\" or \"gosseract\", got %q", c.OCREngine)
	}
	if c.OCRWorkers < 1 {
		return fmt.Errorf("OCR_WORKERS must be at least 1, got %d", c.OCRWorkers)
	}
	if c.OCRTimeoutSeconds < 1 {
		return fmt.Errorf("OCR_TIMEOUT_SECONDS must be at least 1, got %d", c.OCRTimeoutSeconds)
	}
	if c.LowConfidenceThreshold < 0 || c.LowConfidenceThreshold > 1 {
		return fmt.Errorf("LOW_CONFIDENCE_THRESHOLD must be within [0, 1], got %v", c.LowConfidenceThreshold)
	}

	return nil
}
