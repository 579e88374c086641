package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brojonat/tokenpay/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func payCommands() *cli.Command {
	return &cli.Command{
		Name:  "pay",
		Usage: "Payment API commands",
		Subcommands: []*cli.Command{
			captureCommand(),
			methodsCommand(),
			paypalOrderCommand(),
			invoiceCommand(),
			awaitSettlementCommand(),
		},
	}
}

func captureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "Capture a confirmed payment and settle tokens to the buyer",
		Description: `Calls POST /api/v1/payments/{method}/capture.

Example:
  tokenpay pay capture --method card --reference pi_3Nk... \
    --wallet 9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM --usd 10.00`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "method",
				Usage: "Payment method: card, usdc or paypal",
				Value: "card",
			},
			&cli.StringFlag{
				Name:     "reference",
				Usage:    "Processor payment reference",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "wallet",
				Usage:    "Buyer wallet address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "usd",
				Usage:    "Expected USD amount",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 60 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			apiClient, err := getClient(c, c.Duration("timeout"))
			if err != nil {
				return err
			}

			result, err := apiClient.Capture(context.Background(), c.String("method"), client.CaptureRequest{
				PaymentReference:   c.String("reference"),
				BuyerWalletAddress: c.String("wallet"),
				ExpectedUSDAmount:  c.String("usd"),
			})
			if err != nil {
				return fmt.Errorf("capture failed: %w", err)
			}

			if jsonOutput(c) {
				return printJSON(c, result)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "✓ Payment captured\n")
			fmt.Fprintf(w, "   Tokens:    %s\n", result.Tokens)
			fmt.Fprintf(w, "   Wallet:    %s\n", result.Wallet)
			fmt.Fprintf(w, "   Signature: %s\n", result.TransactionReference)
			return nil
		},
	}
}

func methodsCommand() *cli.Command {
	return &cli.Command{
		Name:  "methods",
		Usage: "List the payment methods the server accepts",
		Action: func(c *cli.Context) error {
			apiClient, err := getClient(c, 10*time.Second)
			if err != nil {
				return err
			}

			methods, err := apiClient.Methods(context.Background())
			if err != nil {
				return err
			}

			if jsonOutput(c) {
				return printJSON(c, methods)
			}
			fmt.Fprintf(c.App.Writer, "Methods:     %s\n", strings.Join(methods.Methods, ", "))
			fmt.Fprintf(c.App.Writer, "Token price: $%s\n", methods.TokenPriceUSD)
			return nil
		},
	}
}

func paypalOrderCommand() *cli.Command {
	return &cli.Command{
		Name:  "paypal-order",
		Usage: "Create a PayPal order and print its approval URL",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "usd",
				Usage:    "Order amount in USD",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "wallet",
				Usage: "Buyer wallet address recorded on the order",
			},
		},
		Action: func(c *cli.Context) error {
			apiClient, err := getClient(c, 30*time.Second)
			if err != nil {
				return err
			}

			order, err := apiClient.CreatePayPalOrder(context.Background(), c.String("usd"), c.String("wallet"))
			if err != nil {
				return err
			}

			if jsonOutput(c) {
				return printJSON(c, order)
			}
			fmt.Fprintf(c.App.Writer, "Order:    %s\n", order.ID)
			fmt.Fprintf(c.App.Writer, "Approve:  %s\n", order.ApprovalURL)
			return nil
		},
	}
}

func invoiceCommand() *cli.Command {
	return &cli.Command{
		Name:  "invoice",
		Usage: "Create a Solana Pay invoice for a USDC purchase",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "usd",
				Usage:    "Amount in USD",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "wallet",
				Usage:    "Buyer wallet address",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			apiClient, err := getClient(c, 10*time.Second)
			if err != nil {
				return err
			}

			invoice, err := apiClient.USDCInvoice(context.Background(), c.String("wallet"), c.String("usd"))
			if err != nil {
				return err
			}

			if jsonOutput(c) {
				return printJSON(c, invoice)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Invoice:  %s\n", invoice.ID)
			fmt.Fprintf(w, "Amount:   $%s (%s tokens)\n", invoice.AmountUSD, invoice.Tokens)
			fmt.Fprintf(w, "Memo:     %s\n", invoice.Memo)
			fmt.Fprintf(w, "Pay URL:  %s\n", invoice.PaymentURL)
			return nil
		},
	}
}

func awaitSettlementCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a matching settlement event arrives",
		ArgsUsage: "WALLET_ADDRESS",
		Description: `Streams settlement events for the wallet over SSE and exits on the first
event that matches every filter.

Examples:
  tokenpay pay await --reference pi_123 9WzD...
  tokenpay pay await --must-jq '.type == "completed"' --must-jq '(.tokens | tonumber) >= 100' 9WzD...`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "reference",
				Usage: "Filter by payment reference",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for the settlement",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("wallet address is required")
			}
			wallet := c.Args().Get(0)
			reference := c.String("reference")
			jqFilters := c.StringSlice("must-jq")

			if reference == "" && len(jqFilters) == 0 {
				return fmt.Errorf("must specify at least one filter: --reference or --must-jq")
			}

			compiled := make([]*gojq.Code, len(jqFilters))
			for i, filter := range jqFilters {
				code, err := compileJQ(filter)
				if err != nil {
					return err
				}
				compiled[i] = code
			}

			apiClient, err := getClient(c, 30*time.Second)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			if !jsonOutput(c) {
				fmt.Fprintf(os.Stderr, "Waiting for settlement to %s...\n", wallet)
			}

			var matchErr error
			event, err := apiClient.Await(ctx, wallet, func(e *client.SettlementEvent) bool {
				if reference != "" && e.PaymentReference != reference {
					return false
				}
				ok, err := matchesAll(compiled, e)
				if err != nil {
					matchErr = err
					cancel()
					return false
				}
				return ok
			})
			if matchErr != nil {
				return fmt.Errorf("jq filter failed: %w", matchErr)
			}
			if err != nil {
				return fmt.Errorf("await failed: %w", err)
			}

			if jsonOutput(c) {
				return printJSON(c, event)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "✓ Settlement %s\n", event.Type)
			fmt.Fprintf(w, "   Reference: %s\n", event.PaymentReference)
			fmt.Fprintf(w, "   Tokens:    %s\n", event.Tokens)
			if event.Signature != "" {
				fmt.Fprintf(w, "   Signature: %s\n", event.Signature)
			}
			if event.Error != "" {
				fmt.Fprintf(w, "   Error:     %s\n", event.Error)
			}
			return nil
		},
	}
}
