// Package config reads the sokoni service configuration.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the sokoni service configuration parameters.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	DarajaBaseURL        string `env:"DARAJA_BASE_URL"`
	DarajaConsumerKey    string `env:"DARAJA_CONSUMER_KEY"`
	DarajaConsumerSecret string `env:"DARAJA_CONSUMER_SECRET"`
	DarajaShortCode      string `env:"DARAJA_SHORT_CODE"`
	DarajaPasskey        string `env:"DARAJA_PASSKEY"`
	CallbackURL          string `env:"MPESA_CALLBACK_URL"`

	AuthSecret string `env:"AUTH_SECRET" envDefault:"sokoni-secret"`

	SellerSharePercent int           `env:"SELLER_SHARE_PERCENT" envDefault:"90"`
	PaymentTimeout     time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"3m"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
}

// Parse reads configuration from command-line flags and environment
// variables. Environment variables take precedence over flags.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envDarajaBaseURL := cfg.DarajaBaseURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.DarajaBaseURL, "m", "", "daraja (M-Pesa) gateway base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envDarajaBaseURL != "" {
		cfg.DarajaBaseURL = envDarajaBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.SellerSharePercent < 0 || cfg.SellerSharePercent > 100 {
		return nil, fmt.Errorf("seller share percent out of range: %d", cfg.SellerSharePercent)
	}

	return cfg, nil
}
