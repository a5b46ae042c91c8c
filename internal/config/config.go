// Package config содержит логику чтения конфигурации сервиса исполнения заказов.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress        = "localhost:8080"
	defaultPublicURL         = "http://localhost:8080"
	defaultCurrency          = "usd"
	defaultPayPalBaseURL     = "https://api-m.sandbox.paypal.com"
	defaultProviderTimeout   = 10 * time.Second
	defaultKafkaTopic        = "order-notifications"
	defaultDownloadLinkLimit = 10
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	PublicURL   string `env:"PUBLIC_URL"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	PayPalClientID     string `env:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret string `env:"PAYPAL_CLIENT_SECRET"`
	PayPalBaseURL      string `env:"PAYPAL_BASE_URL"`

	Currency        string        `env:"CURRENCY"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC"`

	RedisAddress      string `env:"REDIS_ADDRESS"`
	AuthSecret        string `env:"AUTH_SECRET"`
	DownloadLinkLimit int    `env:"DOWNLOAD_LINK_LIMIT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPublicURL := cfg.PublicURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PublicURL, "p", defaultPublicURL, "public storefront URL used for redirects")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPublicURL != "" {
		cfg.PublicURL = envPublicURL
	}

	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RunAddress == "" {
		c.RunAddress = defaultRunAddress
	}
	if c.PublicURL == "" {
		c.PublicURL = defaultPublicURL
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")

	if c.Currency == "" {
		c.Currency = defaultCurrency
	}
	c.Currency = strings.ToLower(c.Currency)

	if c.PayPalBaseURL == "" {
		c.PayPalBaseURL = defaultPayPalBaseURL
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = defaultProviderTimeout
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = defaultKafkaTopic
	}
	if c.DownloadLinkLimit <= 0 {
		c.DownloadLinkLimit = defaultDownloadLinkLimit
	}
}

// StripeEnabled сообщает, настроена ли оплата картой.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

// PayPalEnabled сообщает, настроена ли оплата через PayPal.
func (c *Config) PayPalEnabled() bool {
	return c.PayPalClientID != "" && c.PayPalClientSecret != ""
}
