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

	// EVM rails
	EthereumRPCURL string
	PolygonRPCURL  string
	BaseRPCURL     string

	// UTXO rails (esplora-compatible explorer endpoints)
	BitcoinExplorerURL     string
	BitcoinCashExplorerURL string

	// Solana rail
	SolanaRPCURL string

	// Lightning rail (LNbits)
	LNbitsURL    string
	LNbitsAPIKey string

	// Stripe rail
	StripeSecretKey string

	// Escrow settings
	MasterSeed   string        // Hex-encoded seed for escrow address derivation
	EscrowTTL    time.Duration // How long an unfunded escrow stays open
	PriceFeedURL string        // USD pricing endpoint (optional, static fallback)

	// Commission rates in basis points. Both the settlement path and the
	// dashboard stats read these; there is no second copy anywhere.
	FreeTierFeeBps int64
	PaidTierFeeBps int64
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultEthereumRPC    = "https://eth.llamarpc.com"
	DefaultPolygonRPC     = "https://polygon-rpc.com"
	DefaultBaseRPC        = "https://mainnet.base.org"
	DefaultBitcoinAPI     = "https://blockstream.info/api"
	DefaultSolanaRPC      = "https://api.mainnet-beta.solana.com"
	DefaultEscrowTTL      = 72 * time.Hour
	DefaultFreeTierBps    = 100 // 1.0%
	DefaultPaidTierBps    = 50  // 0.5%
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
		EthereumRPCURL:         getEnv("ETHEREUM_RPC_URL", DefaultEthereumRPC),
		PolygonRPCURL:          getEnv("POLYGON_RPC_URL", DefaultPolygonRPC),
		BaseRPCURL:             getEnv("BASE_RPC_URL", DefaultBaseRPC),
		BitcoinExplorerURL:     getEnv("BITCOIN_EXPLORER_URL", DefaultBitcoinAPI),
		// No widely trusted public esplora endpoint exists for BCH, so the
		// rail stays disabled until an explorer URL is configured.
		BitcoinCashExplorerURL: os.Getenv("BITCOIN_CASH_EXPLORER_URL"),
		SolanaRPCURL:           getEnv("SOLANA_RPC_URL", DefaultSolanaRPC),
		LNbitsURL:              os.Getenv("LNBITS_URL"),
		LNbitsAPIKey:           os.Getenv("LNBITS_API_KEY"),
		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		MasterSeed:             os.Getenv("MASTER_SEED"), // Required, no default
		EscrowTTL:              getEnvDuration("ESCROW_TTL", DefaultEscrowTTL),
		PriceFeedURL:           os.Getenv("PRICE_FEED_URL"),
		FreeTierFeeBps:         getEnvInt64("FREE_TIER_FEE_BPS", DefaultFreeTierBps),
		PaidTierFeeBps:         getEnvInt64("PAID_TIER_FEE_BPS", DefaultPaidTierBps),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.MasterSeed == "" {
		return fmt.Errorf("MASTER_SEED is required")
	}
	if len(c.MasterSeed) < 64 {
		return fmt.Errorf("MASTER_SEED must be at least 64 hex characters")
	}
	if c.EscrowTTL <= 0 {
		return fmt.Errorf("ESCROW_TTL must be positive")
	}
	if c.FreeTierFeeBps < 0 || c.FreeTierFeeBps > 10000 ||
		c.PaidTierFeeBps < 0 || c.PaidTierFeeBps > 10000 {
		return fmt.Errorf("fee basis points must be between 0 and 10000")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
