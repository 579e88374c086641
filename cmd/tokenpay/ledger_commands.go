package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/tokenpay/service/keys"
	"github.com/brojonat/tokenpay/service/settlement"
	"github.com/brojonat/tokenpay/service/solana"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func mintInfoCommand() *cli.Command {
	return &cli.Command{
		Name:  "mint",
		Usage: "Show the token mint's decimals and supply",
		Action: func(c *cli.Context) error {
			mint, err := getMint(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			info, err := getLedger(c).GetMintInfo(ctx, mint)
			if err != nil {
				return fmt.Errorf("failed to get mint info: %w", err)
			}

			supply := settlement.FromSmallestUnits(info.Supply, info.Decimals)
			if jsonOutput(c) {
				return printJSON(c, map[string]interface{}{
					"mint":      info.Address.String(),
					"decimals":  info.Decimals,
					"supply":    info.Supply,
					"supply_ui": supply.String(),
				})
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Mint:     %s\n", info.Address)
			fmt.Fprintf(w, "Decimals: %d\n", info.Decimals)
			fmt.Fprintf(w, "Supply:   %s (%d)\n", supply, info.Supply)
			return nil
		},
	}
}

func ataCommand() *cli.Command {
	return &cli.Command{
		Name:  "ata",
		Usage: "Derive an owner's associated token account for the mint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "owner",
				Usage:    "Wallet address",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			mint, err := getMint(c)
			if err != nil {
				return err
			}
			owner, err := settlement.ParseAddress(c.String("owner"))
			if err != nil {
				return err
			}

			ata, err := solana.AssociatedTokenAddress(owner, mint)
			if err != nil {
				return err
			}

			if jsonOutput(c) {
				return printJSON(c, map[string]string{
					"owner":   owner.String(),
					"mint":    mint.String(),
					"account": ata.String(),
				})
			}
			fmt.Fprintln(c.App.Writer, ata)
			return nil
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Show an owner's token balance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "owner",
				Usage: "Wallet address (defaults to the configured signer)",
			},
		},
		Action: func(c *cli.Context) error {
			mint, err := getMint(c)
			if err != nil {
				return err
			}

			ownerAddr := c.String("owner")
			if ownerAddr == "" {
				signer, err := keys.LoadSigner(keys.Secrets{
					Primary:  c.String("primary-secret"),
					Fallback: c.String("fallback-secret"),
				})
				if err != nil {
					return fmt.Errorf("no --owner given and %w", err)
				}
				ownerAddr = signer.PublicKey().String()
			}
			owner, err := settlement.ParseAddress(ownerAddr)
			if err != nil {
				return err
			}
			ata, err := solana.AssociatedTokenAddress(owner, mint)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			ledger := getLedger(c)
			info, err := ledger.GetMintInfo(ctx, mint)
			if err != nil {
				return fmt.Errorf("failed to get mint info: %w", err)
			}
			amount, err := ledger.GetAccountBalance(ctx, ata)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}

			balance := settlement.FromSmallestUnits(amount, info.Decimals)
			if jsonOutput(c) {
				return printJSON(c, map[string]interface{}{
					"owner":      owner.String(),
					"account":    ata.String(),
					"amount":     amount,
					"decimals":   info.Decimals,
					"balance_ui": balance.String(),
				})
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Owner:   %s\n", owner)
			fmt.Fprintf(w, "Account: %s\n", ata)
			fmt.Fprintf(w, "Balance: %s (%d)\n", balance, amount)
			return nil
		},
	}
}

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Send tokens from the configured signer using the settlement pipeline",
		Description: `Runs the same pipeline as a capture: sender and recipient token accounts,
mint lookup, balance check, then a single TransferChecked. No settlement row
is recorded.

Example:
  tokenpay ledger transfer --to 9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM --quantity 12.5`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Recipient wallet address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "quantity",
				Usage:    "Whole-token quantity, truncated to the mint's decimals",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for confirmation",
				Value: settlement.DefaultTimeout,
			},
		},
		Action: func(c *cli.Context) error {
			mint, err := getMint(c)
			if err != nil {
				return err
			}
			quantity, err := decimal.NewFromString(c.String("quantity"))
			if err != nil {
				return fmt.Errorf("invalid --quantity %q: %w", c.String("quantity"), err)
			}

			logger := newLogger(c)
			signers := keys.NewProvider(keys.Secrets{
				Primary:  c.String("primary-secret"),
				Fallback: c.String("fallback-secret"),
			}, logger)
			settler := settlement.NewService(getLedger(c), signers, mint, logger,
				settlement.WithTimeout(c.Duration("timeout")),
			)

			receipt, err := settler.Settle(context.Background(), c.String("to"), quantity)
			if err != nil {
				return fmt.Errorf("transfer failed: %w", err)
			}

			if jsonOutput(c) {
				return printJSON(c, receipt)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "✓ Transferred %s tokens\n", receipt.Quantity)
			fmt.Fprintf(w, "   Recipient: %s (%s)\n", receipt.Recipient, receipt.RecipientAccount)
			fmt.Fprintf(w, "   Signature: %s\n", receipt.Signature)
			return nil
		},
	}
}
