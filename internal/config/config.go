// Package config содержит логику чтения конфигурации сервиса paygate.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса paygate.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	GatewayBaseURL string `env:"GATEWAY_BASE_URL"`
	CallbackURL    string `env:"CALLBACK_URL"`

	ConsumerKey       string        `env:"GATEWAY_CONSUMER_KEY"`
	ConsumerSecret    string        `env:"GATEWAY_CONSUMER_SECRET"`
	GatewayTimeout    time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"25s"`
	TokenSafetyMargin time.Duration `env:"TOKEN_SAFETY_MARGIN" envDefault:"60s"`

	IPNURL         string `env:"IPN_URL"`
	IPNID          string `env:"IPN_ID"`
	CallbackSecret string `env:"CALLBACK_SECRET"`
	OrderPrefix    string `env:"ORDER_PREFIX" envDefault:"PAY"`

	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	PollMinAge   time.Duration `env:"POLL_MIN_AGE" envDefault:"1m"`
	PollBatch    int           `env:"POLL_BATCH" envDefault:"50"`

	RedisAddr string        `env:"REDIS_ADDR"`
	LockTTL   time.Duration `env:"LOCK_TTL" envDefault:"10s"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"payments.completed"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Parse считывает конфигурацию из .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env не обязателен; уже заданные переменные окружения не перезаписываются
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayBaseURL := cfg.GatewayBaseURL
	envCallbackURL := cfg.CallbackURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayBaseURL, "g", "", "payment gateway base URL")
	flag.StringVar(&cfg.CallbackURL, "c", "", "customer return URL after payment")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayBaseURL != "" {
		cfg.GatewayBaseURL = envGatewayBaseURL
	}
	if envCallbackURL != "" {
		cfg.CallbackURL = envCallbackURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет согласованность параметров.
func (c *Config) Validate() error {
	var errs []error

	if c.GatewayBaseURL != "" && (c.ConsumerKey == "" || c.ConsumerSecret == "") {
		errs = append(errs, errors.New("GATEWAY_CONSUMER_KEY and GATEWAY_CONSUMER_SECRET are required with a gateway URL"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.TokenSafetyMargin < 0 {
		errs = append(errs, errors.New("TOKEN_SAFETY_MARGIN must not be negative"))
	}
	if c.PollBatch <= 0 {
		errs = append(errs, errors.New("POLL_BATCH must be positive"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required with KAFKA_BROKERS"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
