package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/brojonat/tokenpay/service/db"
	"github.com/brojonat/tokenpay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/itchyny/gojq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

// jsonOutput reports whether the command should print JSON instead of a table.
func jsonOutput(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// printJSON writes v as indented JSON, or the results of --jq applied to it.
func printJSON(c *cli.Context, v interface{}) error {
	query := c.String("jq")
	if query == "" {
		return outputJSON(c.App.Writer, v)
	}

	code, err := compileJQ(query)
	if err != nil {
		return err
	}
	input, err := toJQInput(v)
	if err != nil {
		return err
	}

	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := result.(error); ok {
			return fmt.Errorf("jq %q: %w", query, err)
		}
		if err := outputJSON(c.App.Writer, result); err != nil {
			return err
		}
	}
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// toJQInput round-trips v through JSON so gojq sees plain maps and slices.
func toJQInput(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return input, nil
}

// matchesAll reports whether every filter evaluates to true for v.
func matchesAll(filters []*gojq.Code, v interface{}) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	input, err := toJQInput(v)
	if err != nil {
		return false, err
	}
	for _, code := range filters {
		result, ok := code.Run(input).Next()
		if !ok {
			return false, nil
		}
		if err, ok := result.(error); ok {
			return false, err
		}
		if matched, ok := result.(bool); !ok || !matched {
			return false, nil
		}
	}
	return true, nil
}

func outputJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func newLogger(c *cli.Context) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getStore connects to the database named by --database-url.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database URL is required (set DATABASE_URL or use --database-url)")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

// getLedger builds a ledger client for --solana-rpc-url.
func getLedger(c *cli.Context) *solana.Ledger {
	rpcURL := c.String("solana-rpc-url")
	return solana.NewLedger(solana.NewRPCClient(rpcURL), solana.EndpointLabel(rpcURL), nil, newLogger(c))
}

// getMint parses --mint.
func getMint(c *cli.Context) (solanago.PublicKey, error) {
	mint := c.String("mint")
	if mint == "" {
		return solanago.PublicKey{}, fmt.Errorf("mint address is required (set SOLANA_MINT_ADDRESS or use --mint)")
	}
	pk, err := solanago.PublicKeyFromBase58(mint)
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("invalid mint address %q: %w", mint, err)
	}
	return pk, nil
}

func stringOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
