package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tokenpay",
		Usage: "Token purchase settlement service CLI",
		Description: `A command-line tool for operating the tokenpay service.

Use this CLI to manage signer keys, inspect the token ledger, audit settlements,
and exercise the payment capture API.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Signer key tooling (offline)
			{
				Name:  "keys",
				Usage: "Signer key tooling",
				Subcommands: []*cli.Command{
					inspectKeyCommand(),
					convertKeyCommand(),
					deriveKeyCommand(),
					newMnemonicCommand(),
				},
			},
			// Direct ledger access
			{
				Name:  "ledger",
				Usage: "Token ledger commands",
				Subcommands: []*cli.Command{
					mintInfoCommand(),
					balanceCommand(),
					ataCommand(),
					transferCommand(),
				},
			},
			// Settlement audit and reconciliation
			{
				Name:  "settlements",
				Usage: "Settlement inspection and reconciliation commands",
				Subcommands: []*cli.Command{
					listSettlementsCommand(),
					getSettlementCommand(),
					reconcileSettlementCommand(),
					reconcileStatusCommand(),
					watchSettlementsCommand(),
				},
			},
			// Account administration
			{
				Name:  "users",
				Usage: "User account commands",
				Subcommands: []*cli.Command{
					listUsersCommand(),
					resetPasswordCommand(),
				},
			},
			// Client commands (HTTP API)
			payCommands(),
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Server URL for API commands",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "solana-rpc-url",
				Usage:   "Solana RPC endpoint",
				EnvVars: []string{"SOLANA_RPC_URL"},
				Value:   "https://api.mainnet-beta.solana.com",
			},
			&cli.StringFlag{
				Name:    "mint",
				Usage:   "Token mint address",
				EnvVars: []string{"SOLANA_MINT_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "primary-secret",
				Usage:   "Signer secret (JSON byte array or base58)",
				EnvVars: []string{"SOLANA_PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "fallback-secret",
				Usage:   "Signer secret used when the primary is unset",
				EnvVars: []string{"SOL_SECRET_KEY1"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue for reconciliation workflows",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "tokenpay",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level for diagnostics on stderr",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "Filter JSON output through a jq expression (implies --json)",
			},
		},
	}
}
