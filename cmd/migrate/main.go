package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/brojonat/tokenpay/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Applies the embedded schema and reports how many settlements are in each
// state. Safe to run repeatedly.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting schema migration")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	// Connect to database
	ctx := context.Background()
	dbPool, err := pgxpool.New(ctx, dbURL)
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

	store := db.NewStore(dbPool, nil)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("schema applied")

	rows, err := dbPool.Query(ctx, "SELECT status, count(*) FROM settlements GROUP BY status ORDER BY status")
	if err != nil {
		logger.Error("failed to count settlements", "error", err)
		os.Exit(1)
	}
	defer rows.Close()

	total := int64(0)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			logger.Error("failed to scan settlement count", "error", err)
			os.Exit(1)
		}
		total += count
		logger.Info("settlements", "status", status, "count", count)
	}
	if err := rows.Err(); err != nil {
		logger.Error("error iterating settlement counts", "error", err)
		os.Exit(1)
	}

	if unknown, err := store.ListSettlements(ctx, db.StatusUnknown, 100); err == nil && len(unknown) > 0 {
		logger.Warn("settlements awaiting reconciliation",
			"count", len(unknown),
			"hint", "tokenpay settlements reconcile --method <m> --reference <r>",
		)
	}

	logger.Info("migration completed", "total_settlements", total)
}
