package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the service configuration, read from CLAIMDESK_* environment variables.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`
	// PGDSN selects the Postgres stores; empty keeps everything in memory.
	PGDSN string `env:"PG_DSN"`

	AuthSecret string        `env:"AUTH_SECRET"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"1h"`
	// DevTokens enables POST /v1/auth/token.
	DevTokens bool `env:"DEV_TOKENS" envDefault:"false"`

	RedisAddr    string `env:"REDIS_ADDR"`
	RedisChannel string `env:"REDIS_CHANNEL" envDefault:"claimdesk:feed"`

	S3Bucket        string `env:"S3_BUCKET"`
	S3Region        string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint      string `env:"S3_ENDPOINT"`
	S3AccessKey     string `env:"S3_ACCESS_KEY"`
	S3SecretKey     string `env:"S3_SECRET_KEY"`
	ReceiptsBaseURL string `env:"RECEIPTS_BASE_URL"`

	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"100"`
	MaxBodyBytes   int64    `env:"MAX_BODY_BYTES" envDefault:"15728640"`
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`

	BulkConcurrency int           `env:"BULK_CONCURRENCY" envDefault:"8"`
	BulkItemTimeout time.Duration `env:"BULK_ITEM_TIMEOUT" envDefault:"10s"`
	FeedBuffer      int           `env:"FEED_BUFFER" envDefault:"64"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

const Prefix = "CLAIMDESK_"

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads configuration from the given variables instead of the environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.AuthSecret) == "" {
		problems = append(problems, "AUTH_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		problems = append(problems, "TOKEN_TTL must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		problems = append(problems, "rate limit values must be positive")
	}
	if c.BulkConcurrency <= 0 || c.BulkItemTimeout <= 0 {
		problems = append(problems, "bulk concurrency and item timeout must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		problems = append(problems, "MAX_BODY_BYTES must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
