// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow node (LND-style REST API)
	LNDRestURL          string
	LNDMacaroon         string // Hex-encoded admin macaroon
	InvoicePollInterval time.Duration
	InvoiceExpiry       time.Duration // Hold invoice expiry passed to the node

	// Trade policy
	FeePercent            float64 // Platform fee on top of the order amount
	MaxDisputes           int     // Disputes before a user is banned
	OrderExpirationWindow time.Duration
	ExpirySweepInterval   time.Duration

	// Payout policy
	MaxPaymentAttempts     int
	PendingPaymentInterval time.Duration
	MaxRoutingFeeSats      int64

	// Presentation
	PublicChannel string // Opaque identifier of the public order feed

	// Admin
	AdminSecret string // Shared secret for /v1/admin routes
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultInvoicePollInterval    = 10 * time.Second
	DefaultInvoiceExpiry          = 24 * time.Hour
	DefaultFeePercent             = 0.6
	DefaultMaxDisputes            = 8
	DefaultOrderExpirationWindow  = 15 * time.Minute
	DefaultExpirySweepInterval    = 5 * time.Minute
	DefaultMaxPaymentAttempts     = 10
	DefaultPendingPaymentInterval = 5 * time.Minute
	DefaultMaxRoutingFeeSats      = 100
	DefaultPublicChannel          = "orders"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		LNDRestURL:             os.Getenv("LND_REST_URL"),
		LNDMacaroon:            os.Getenv("LND_MACAROON"),
		InvoicePollInterval:    getEnvDuration("INVOICE_POLL_INTERVAL", DefaultInvoicePollInterval),
		InvoiceExpiry:          getEnvDuration("INVOICE_EXPIRY", DefaultInvoiceExpiry),
		FeePercent:             getEnvFloat("FEE_PERCENT", DefaultFeePercent),
		MaxDisputes:            int(getEnvInt64("MAX_DISPUTES", DefaultMaxDisputes)),
		OrderExpirationWindow:  getEnvDuration("ORDER_EXPIRATION_WINDOW", DefaultOrderExpirationWindow),
		ExpirySweepInterval:    getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		MaxPaymentAttempts:     int(getEnvInt64("MAX_PAYMENT_ATTEMPTS", DefaultMaxPaymentAttempts)),
		PendingPaymentInterval: getEnvDuration("PENDING_PAYMENT_INTERVAL", DefaultPendingPaymentInterval),
		MaxRoutingFeeSats:      getEnvInt64("MAX_ROUTING_FEE_SATS", DefaultMaxRoutingFeeSats),
		PublicChannel:          getEnv("PUBLIC_CHANNEL", DefaultPublicChannel),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.MaxDisputes <= 0 {
		return fmt.Errorf("MAX_DISPUTES must be positive")
	}
	if c.MaxPaymentAttempts <= 0 {
		return fmt.Errorf("MAX_PAYMENT_ATTEMPTS must be positive")
	}
	if c.FeePercent < 0 || c.FeePercent >= 100 {
		return fmt.Errorf("FEE_PERCENT must be in [0, 100)")
	}
	if c.OrderExpirationWindow <= 0 {
		return fmt.Errorf("ORDER_EXPIRATION_WINDOW must be positive")
	}
	// The escrow node is optional in development: without it the server runs
	// against an in-process fake and no real money moves.
	if c.IsProduction() && c.LNDRestURL == "" {
		return fmt.Errorf("LND_REST_URL is required in production")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.LNDRestURL != "" && c.LNDMacaroon == "" {
		return fmt.Errorf("LND_MACAROON is required when LND_REST_URL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
