package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/tokenpay/service/config"
	"github.com/brojonat/tokenpay/service/db"
	"github.com/brojonat/tokenpay/service/keys"
	"github.com/brojonat/tokenpay/service/metrics"
	natspkg "github.com/brojonat/tokenpay/service/nats"
	"github.com/brojonat/tokenpay/service/payment"
	"github.com/brojonat/tokenpay/service/server"
	"github.com/brojonat/tokenpay/service/settlement"
	"github.com/brojonat/tokenpay/service/solana"
	"github.com/brojonat/tokenpay/service/temporal"
	"github.com/brojonat/tokenpay/service/users"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"network", cfg.SolanaNetwork,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	store := db.NewStore(dbPool, metricsCollector)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// Solana: a rate-limited reader for verification and a ledger for transfers.
	solanaRPC := solana.NewRPCClient(cfg.SolanaRPCURL)
	endpoint := solana.EndpointLabel(cfg.SolanaRPCURL)
	solanaClient := solana.NewClient(solanaRPC, endpoint, metricsCollector, logger,
		solana.WithRateLimit(cfg.SolanaRPCRateLimit),
	)
	ledger := solana.NewLedger(solanaRPC, endpoint, metricsCollector, logger)
	logger.Info("initialized solana RPC client", "endpoint", endpoint)

	// The signer is resolved on the first settlement, not here.
	signers := keys.NewProvider(keys.Secrets{
		Primary:  cfg.PrimarySecret,
		Fallback: cfg.FallbackSecret,
	}, logger)
	mint := solanago.MustPublicKeyFromBase58(cfg.TokenMintAddress)

	processors, paypal := buildProcessors(cfg, solanaClient, logger)

	// NATS is optional: without it settlements are not streamed.
	var publisher natspkg.Publisher
	var subscriber natspkg.Subscriber
	if cfg.NATSURL != "" {
		pub, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Warn("failed to connect NATS publisher, events disabled", "error", err)
		} else {
			defer pub.Close()
			publisher = pub
		}
		sub, err := natspkg.NewSubscriber(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("failed to connect NATS subscriber, streaming disabled", "error", err)
		} else {
			subscriber = sub
		}
	}

	// Temporal is optional: without it unknown outcomes wait for an operator.
	var reconciler temporal.Reconciler
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Warn("failed to connect to temporal, reconciliation disabled", "error", err)
	} else {
		defer temporalClient.Close()
		reconciler = temporalClient
		logger.Info("connected to temporal",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
		)
	}

	// The late-result hook needs the checkout, which needs the settler.
	var checkout *server.Checkout
	settler := settlement.NewService(ledger, signers, mint, logger,
		settlement.WithTimeout(cfg.SettlementTimeout),
		settlement.WithMetrics(metricsCollector),
		settlement.WithLateResultHandler(func(ctx context.Context, late settlement.LateResult) {
			checkout.OnLateResult(ctx, late)
		}),
	)
	checkout = server.NewCheckout(server.CheckoutConfig{
		Store:      store,
		Processors: processors,
		Settler:    settler,
		Reconciler: reconciler,
		Publisher:  publisher,
		PriceUSD:   cfg.TokenPriceUSD,
		Metrics:    metricsCollector,
		ReconcileTemplate: temporal.ReconcileInput{
			PollInterval: cfg.ReconcilePollInterval,
			MaxAttempts:  cfg.ReconcileMaxAttempts,
		},
	}, logger)

	deps := server.Deps{
		Checkout:    checkout,
		Settlements: store,
		Users:       users.NewService(store, logger),
		Gallery:     store,
		Subscriber:  subscriber,
		Health:      store,
		Metrics:     metricsCollector,
	}
	if paypal != nil {
		deps.PayPal = paypal
	}
	httpServer := server.New(cfg, deps, logger)

	logger.Info("server initialized, all dependencies ready",
		"methods", processors.Methods(),
		"token_mint", cfg.TokenMintAddress,
		"token_price_usd", cfg.TokenPriceUSD.String(),
		"settlement_timeout", cfg.SettlementTimeout.String(),
		"nats_enabled", publisher != nil,
		"reconcile_enabled", reconciler != nil,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.SettlementTimeout+5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// buildProcessors registers a processor per configured payment method. The
// PayPal processor is also returned for order creation, or nil.
func buildProcessors(cfg *config.Config, chain *solana.Client, logger *slog.Logger) (*payment.Registry, *payment.PayPalProcessor) {
	var processors []payment.Processor

	if cfg.StripeEnabled() {
		processors = append(processors, payment.NewStripeProcessor(cfg.StripeSecretKey, cfg.PaymentTolerance, logger))
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, card payments disabled")
	}

	if cfg.USDCEnabled() {
		processors = append(processors, payment.NewUSDCProcessor(
			chain,
			solanago.MustPublicKeyFromBase58(cfg.ReceiverWallet),
			solanago.MustPublicKeyFromBase58(cfg.USDCMintAddress),
			cfg.PaymentTolerance,
			logger,
		))
	} else {
		logger.Warn("RECEIVER_WALLET_ADDRESS not set, USDC payments disabled")
	}

	var paypal *payment.PayPalProcessor
	if cfg.PayPalEnabled() {
		p, err := payment.NewPayPalProcessor(payment.PayPalConfig{
			BaseURL:      payment.PayPalBaseURL(cfg.PayPalEnvironment),
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			FrontendURL:  cfg.FrontendURL,
			Tolerance:    cfg.PaymentTolerance,
		}, logger)
		if err != nil {
			logger.Error("failed to create paypal processor, PayPal payments disabled", "error", err)
		} else {
			paypal = p
			processors = append(processors, paypal)
		}
	} else {
		logger.Warn("PAYPAL_CLIENT_ID/PAYPAL_CLIENT_SECRET not set, PayPal payments disabled")
	}

	return payment.NewRegistry(processors...), paypal
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
