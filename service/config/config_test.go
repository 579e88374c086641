package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMint     = "So11111111111111111111111111111111111111112"
	testReceiver = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	testSecret   = "[1,2,3]"
)

func setRequiredEnv() {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("SOLANA_MINT_ADDRESS", testMint)
	os.Setenv("SOLANA_PRIVATE_KEY", testSecret)
}

func TestLoad_ValidConfig(t *testing.T) {
	setRequiredEnv()
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "https://api.mainnet-beta.solana.com", cfg.SolanaRPCURL)
	assert.Equal(t, testMint, cfg.TokenMintAddress)
	assert.Equal(t, MainnetUSDCMint, cfg.USDCMintAddress)
	assert.Equal(t, ":8080", cfg.ServerAddr) // Default
	assert.Equal(t, "info", cfg.LogLevel)    // Default
	assert.Equal(t, 30*time.Second, cfg.SettlementTimeout)
	assert.True(t, cfg.TokenPriceUSD.Equal(decimal.RequireFromString("0.015")))
	assert.True(t, cfg.PaymentTolerance.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, "tokenpay", cfg.TemporalTaskQueue)
	assert.Equal(t, 15, cfg.ReconcileMaxAttempts)
	assert.False(t, cfg.StripeEnabled())
	assert.False(t, cfg.PayPalEnabled())
	assert.False(t, cfg.USDCEnabled())
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	setRequiredEnv()
	os.Unsetenv("DATABASE_URL")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestLoad_MissingMint(t *testing.T) {
	setRequiredEnv()
	os.Unsetenv("SOLANA_MINT_ADDRESS")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "SOLANA_MINT_ADDRESS is required")
}

func TestLoad_InvalidMint(t *testing.T) {
	setRequiredEnv()
	os.Setenv("SOLANA_MINT_ADDRESS", "not-a-mint")
	defer cleanupEnv()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOLANA_MINT_ADDRESS: invalid address")
}

func TestLoad_SecretSlots(t *testing.T) {
	t.Run("no slot populated", func(t *testing.T) {
		setRequiredEnv()
		os.Unsetenv("SOLANA_PRIVATE_KEY")
		defer cleanupEnv()

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SOLANA_PRIVATE_KEY or SOL_SECRET_KEY1 is required")
	})

	t.Run("fallback only", func(t *testing.T) {
		setRequiredEnv()
		os.Unsetenv("SOLANA_PRIVATE_KEY")
		os.Setenv("SOL_SECRET_KEY1", "abc")
		defer cleanupEnv()

		cfg, err := Load()
		require.NoError(t, err)
		assert.Empty(t, cfg.PrimarySecret)
		assert.Equal(t, "abc", cfg.FallbackSecret)
	})
}

func TestLoad_InvalidSettlementTimeout(t *testing.T) {
	setRequiredEnv()
	os.Setenv("SETTLEMENT_TIMEOUT", "invalid")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad_InvalidPrice(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"not a number", "abc", "invalid decimal"},
		{"zero", "0", "must be positive"},
		{"negative", "-0.5", "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv()
			os.Setenv("TOKEN_PRICE_USD", tt.value)
			defer cleanupEnv()

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv()
	os.Setenv("SOLANA_RPC_URL", "https://api.devnet.solana.com")
	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("NATS_URL", "nats://nats.example.com:4222")
	os.Setenv("TEMPORAL_HOST", "temporal.example.com:7233")
	os.Setenv("TOKEN_PRICE_USD", "0.02")
	os.Setenv("PAYMENT_TOLERANCE", "0.005")
	os.Setenv("SETTLEMENT_TIMEOUT", "45s")
	os.Setenv("RECEIVER_WALLET_ADDRESS", testReceiver)
	os.Setenv("RECONCILE_MAX_ATTEMPTS", "3")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "https://api.devnet.solana.com", cfg.SolanaRPCURL)
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://nats.example.com:4222", cfg.NATSURL)
	assert.Equal(t, "temporal.example.com:7233", cfg.TemporalHost)
	assert.Equal(t, "0.02", cfg.TokenPriceUSD.String())
	assert.Equal(t, "0.005", cfg.PaymentTolerance.String())
	assert.Equal(t, 45*time.Second, cfg.SettlementTimeout)
	assert.Equal(t, 3, cfg.ReconcileMaxAttempts)
	assert.True(t, cfg.USDCEnabled())
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()

	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DatabaseURL is required")
}

func TestValidate_NonPositiveTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.SettlementTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SettlementTimeout must be positive")
}

func TestValidate_MissingSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.PrimarySecret = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PrimarySecret or FallbackSecret is required")
}

func TestMustLoad_Panics(t *testing.T) {
	// Don't set required env vars
	defer cleanupEnv()

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestMustLoad_Success(t *testing.T) {
	setRequiredEnv()
	defer cleanupEnv()

	assert.NotPanics(t, func() {
		cfg := MustLoad()
		assert.NotNil(t, cfg)
	})
}

func validConfig() *Config {
	return &Config{
		DatabaseURL:          "postgres://localhost/test",
		SolanaRPCURL:         "https://api.mainnet-beta.solana.com",
		TokenMintAddress:     testMint,
		PrimarySecret:        testSecret,
		TokenPriceUSD:        decimal.RequireFromString("0.015"),
		PaymentTolerance:     decimal.RequireFromString("0.01"),
		SettlementTimeout:    30 * time.Second,
		TemporalHost:         "localhost:7233",
		TemporalNamespace:    "default",
		TemporalTaskQueue:    "tokenpay",
		ReconcileMaxAttempts: 15,
	}
}

// cleanupEnv clears all environment variables used in tests
func cleanupEnv() {
	for _, key := range []string{
		"DATABASE_URL",
		"SOLANA_RPC_URL",
		"SOLANA_MINT_ADDRESS",
		"SOLANA_PRIVATE_KEY",
		"SOL_SECRET_KEY1",
		"RECEIVER_WALLET_ADDRESS",
		"USDC_MINT_ADDRESS",
		"TOKEN_PRICE_USD",
		"PAYMENT_TOLERANCE",
		"SETTLEMENT_TIMEOUT",
		"STRIPE_SECRET_KEY",
		"PAYPAL_CLIENT_ID",
		"PAYPAL_CLIENT_SECRET",
		"PAYPAL_ENVIRONMENT",
		"SERVER_ADDR",
		"LOG_LEVEL",
		"NATS_URL",
		"TEMPORAL_HOST",
		"RECONCILE_MAX_ATTEMPTS",
		"RECONCILE_POLL_INTERVAL",
	} {
		os.Unsetenv(key)
	}
}
