package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// MainnetUSDCMint is the canonical USDC mint on Solana mainnet-beta.
const MainnetUSDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	LogLevel    string
	FrontendURL string
	UploadsDir  string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURL       string
	SolanaRPCRateLimit float64
	SolanaNetwork      string
	TokenMintAddress   string
	USDCMintAddress    string
	ReceiverWallet     string

	// Signer secret slots, checked in order.
	PrimarySecret  string
	FallbackSecret string

	// Settlement configuration
	TokenPriceUSD     decimal.Decimal
	PaymentTolerance  decimal.Decimal
	SettlementTimeout time.Duration

	// Payment processors. Empty credentials disable the processor.
	StripeSecretKey    string
	PayPalClientID     string
	PayPalClientSecret string
	PayPalEnvironment  string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Reconciliation configuration
	ReconcilePollInterval time.Duration
	ReconcileMaxAttempts  int
}

// StripeEnabled reports whether card payments can be verified.
func (c *Config) StripeEnabled() bool { return c.StripeSecretKey != "" }

// PayPalEnabled reports whether PayPal orders can be created and captured.
func (c *Config) PayPalEnabled() bool {
	return c.PayPalClientID != "" && c.PayPalClientSecret != ""
}

// USDCEnabled reports whether on-chain USDC payments can be verified.
func (c *Config) USDCEnabled() bool { return c.ReceiverWallet != "" }

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.FrontendURL = getEnvOrDefault("FRONTEND_URL", "http://localhost:5174")
	cfg.UploadsDir = getEnvOrDefault("UPLOADS_DIR", "./uploads")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURL = getEnvOrDefault("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	cfg.SolanaNetwork = getEnvOrDefault("SOLANA_NETWORK", "mainnet-beta")

	rateLimit, err := parseFloat("SOLANA_RPC_RATE_LIMIT", 5)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SolanaRPCRateLimit = rateLimit
	}

	cfg.TokenMintAddress = strings.TrimSpace(os.Getenv("SOLANA_MINT_ADDRESS"))
	if cfg.TokenMintAddress == "" {
		errs = append(errs, fmt.Errorf("SOLANA_MINT_ADDRESS is required"))
	} else if err := validateAddress("SOLANA_MINT_ADDRESS", cfg.TokenMintAddress); err != nil {
		errs = append(errs, err)
	}

	cfg.USDCMintAddress = strings.TrimSpace(getEnvOrDefault("USDC_MINT_ADDRESS", MainnetUSDCMint))
	if err := validateAddress("USDC_MINT_ADDRESS", cfg.USDCMintAddress); err != nil {
		errs = append(errs, err)
	}

	cfg.ReceiverWallet = strings.TrimSpace(os.Getenv("RECEIVER_WALLET_ADDRESS"))
	if cfg.ReceiverWallet != "" {
		if err := validateAddress("RECEIVER_WALLET_ADDRESS", cfg.ReceiverWallet); err != nil {
			errs = append(errs, err)
		}
	}

	// Signer secrets. Decoding happens lazily in the keys package; here we
	// only require that at least one slot is populated.
	cfg.PrimarySecret = strings.TrimSpace(os.Getenv("SOLANA_PRIVATE_KEY"))
	cfg.FallbackSecret = strings.TrimSpace(os.Getenv("SOL_SECRET_KEY1"))
	if cfg.PrimarySecret == "" && cfg.FallbackSecret == "" {
		errs = append(errs, fmt.Errorf("SOLANA_PRIVATE_KEY or SOL_SECRET_KEY1 is required"))
	}

	// Settlement configuration
	price, err := parseDecimal("TOKEN_PRICE_USD", "0.015")
	if err != nil {
		errs = append(errs, err)
	} else if !price.IsPositive() {
		errs = append(errs, fmt.Errorf("TOKEN_PRICE_USD must be positive, got %s", price))
	} else {
		cfg.TokenPriceUSD = price
	}

	tolerance, err := parseDecimal("PAYMENT_TOLERANCE", "0.01")
	if err != nil {
		errs = append(errs, err)
	} else if tolerance.IsNegative() || tolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("PAYMENT_TOLERANCE must be in [0, 1), got %s", tolerance))
	} else {
		cfg.PaymentTolerance = tolerance
	}

	timeout, err := parseDuration("SETTLEMENT_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else if timeout <= 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_TIMEOUT must be positive, got %v", timeout))
	} else {
		cfg.SettlementTimeout = timeout
	}

	// Payment processors
	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.PayPalClientID = os.Getenv("PAYPAL_CLIENT_ID")
	cfg.PayPalClientSecret = os.Getenv("PAYPAL_CLIENT_SECRET")
	cfg.PayPalEnvironment = getEnvOrDefault("PAYPAL_ENVIRONMENT", "sandbox")
	if cfg.PayPalEnvironment != "sandbox" && cfg.PayPalEnvironment != "live" {
		errs = append(errs, fmt.Errorf("PAYPAL_ENVIRONMENT must be sandbox or live, got %q", cfg.PayPalEnvironment))
	}
	if (cfg.PayPalClientID == "") != (cfg.PayPalClientSecret == "") {
		errs = append(errs, fmt.Errorf("PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET must be set together"))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "tokenpay")

	// Reconciliation configuration
	pollInterval, err := parseDuration("RECONCILE_POLL_INTERVAL", "20s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReconcilePollInterval = pollInterval
	}

	maxAttempts, err := parseInt("RECONCILE_MAX_ATTEMPTS", 15)
	if err != nil {
		errs = append(errs, err)
	} else if maxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be at least 1, got %d", maxAttempts))
	} else {
		cfg.ReconcileMaxAttempts = maxAttempts
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.TokenMintAddress == "" {
		errs = append(errs, fmt.Errorf("TokenMintAddress is required"))
	}

	if c.PrimarySecret == "" && c.FallbackSecret == "" {
		errs = append(errs, fmt.Errorf("PrimarySecret or FallbackSecret is required"))
	}

	if !c.TokenPriceUSD.IsPositive() {
		errs = append(errs, fmt.Errorf("TokenPriceUSD must be positive"))
	}

	if c.PaymentTolerance.IsNegative() {
		errs = append(errs, fmt.Errorf("PaymentTolerance cannot be negative"))
	}

	if c.SettlementTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SettlementTimeout must be positive"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.ReconcileMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ReconcileMaxAttempts must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

// parseDecimal parses an exact decimal so prices never pass through float64.
func parseDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnvOrDefault(key, defaultValue)
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return d, nil
}

func validateAddress(key, value string) error {
	if _, err := solana.PublicKeyFromBase58(value); err != nil {
		return fmt.Errorf("%s: invalid address %q: %w", key, value, err)
	}
	return nil
}
