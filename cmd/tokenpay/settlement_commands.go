package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/tokenpay/service/db"
	natspkg "github.com/brojonat/tokenpay/service/nats"
	"github.com/brojonat/tokenpay/service/temporal"
	"github.com/urfave/cli/v2"
)

func listSettlementsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List recent settlements",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status: pending, completed, failed or unknown",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of settlements to show",
				Value: 50,
			},
		},
		Action: func(c *cli.Context) error {
			var status db.SettlementStatus
			if s := c.String("status"); s != "" {
				parsed, err := db.ParseSettlementStatus(s)
				if err != nil {
					return err
				}
				status = parsed
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			settlements, err := store.ListSettlements(context.Background(), status, int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list settlements: %w", err)
			}

			if jsonOutput(c) {
				if settlements == nil {
					settlements = []*db.Settlement{}
				}
				return printJSON(c, settlements)
			}

			// Pretty table output
			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMETHOD\tREFERENCE\tWALLET\tSTATUS\tTOKENS\tATTEMPTS\tUPDATED")
			for _, s := range settlements {
				tokens := "-"
				if s.Quantity != nil {
					tokens = s.Quantity.String()
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID,
					s.Method,
					s.PaymentReference,
					s.BuyerWallet,
					s.Status,
					tokens,
					s.Attempts,
					s.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d settlements\n", len(settlements))
			return nil
		},
	}
}

func getSettlementCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Show one settlement",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "method",
				Usage:    "Payment method (card, usdc, paypal)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "reference",
				Usage:    "Payment reference",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			s, err := store.GetSettlement(context.Background(), c.String("method"), c.String("reference"))
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("settlement not found: %s %s", c.String("method"), c.String("reference"))
				}
				return fmt.Errorf("failed to get settlement: %w", err)
			}

			if jsonOutput(c) {
				return printJSON(c, s)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Method:       %s\n", s.Method)
			fmt.Fprintf(w, "Reference:    %s\n", s.PaymentReference)
			fmt.Fprintf(w, "Wallet:       %s\n", s.BuyerWallet)
			fmt.Fprintf(w, "Status:       %s\n", s.Status)
			fmt.Fprintf(w, "Expected USD: %s\n", s.ExpectedUSD)
			if s.AmountUSD != nil {
				fmt.Fprintf(w, "Paid USD:     %s\n", s.AmountUSD)
			}
			if s.Quantity != nil {
				fmt.Fprintf(w, "Tokens:       %s\n", s.Quantity)
			}
			fmt.Fprintf(w, "Signature:    %s\n", stringOr(s.Signature, "-"))
			if s.Error != nil {
				fmt.Fprintf(w, "Error:        %s\n", *s.Error)
			}
			fmt.Fprintf(w, "Attempts:     %d\n", s.Attempts)
			fmt.Fprintf(w, "Claimed:      %s\n", s.ClaimedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Updated:      %s\n", s.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

// getTemporalClient connects using the global temporal flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		newLogger(c),
	)
}

func reconcileSettlementCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Start reconciliation of a settlement whose outcome is unknown",
		Description: `Starts ReconcileSettlementWorkflow, which searches the chain for the transfer
and moves the settlement to completed or failed. Starting it for a settlement
that is already being reconciled is a no-op.

Example:
  tokenpay settlements reconcile --method card --reference pi_123`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "method",
				Usage:    "Payment method",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "reference",
				Usage:    "Payment reference",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Delay between chain searches",
				Value: 20 * time.Second,
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Chain searches before the settlement is marked failed",
				Value: 15,
			},
		},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			input := temporal.ReconcileInput{
				Method:           c.String("method"),
				PaymentReference: c.String("reference"),
				PollInterval:     c.Duration("poll-interval"),
				MaxAttempts:      c.Int("max-attempts"),
			}
			if err := temporalClient.StartReconcile(context.Background(), input); err != nil {
				return err
			}

			workflowID := temporal.ReconcileWorkflowID(input.Method, input.PaymentReference)
			if jsonOutput(c) {
				return printJSON(c, map[string]string{
					"workflow_id": workflowID,
					"task_queue":  temporalClient.TaskQueue(),
				})
			}
			fmt.Fprintf(c.App.Writer, "✓ Reconciliation started: %s\n", workflowID)
			fmt.Fprintf(c.App.Writer, "  Task queue: %s\n", temporalClient.TaskQueue())
			return nil
		},
	}
}

func reconcileStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile-status",
		Usage: "Wait for a reconciliation to finish and show its verdict",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "method",
				Usage:    "Payment method",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "reference",
				Usage:    "Payment reference",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the workflow",
				Value: 10 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			result, err := temporalClient.ReconcileStatus(ctx, c.String("method"), c.String("reference"))
			if err != nil {
				return err
			}

			if jsonOutput(c) {
				return printJSON(c, result)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Status:    %s\n", result.Status)
			fmt.Fprintf(w, "Signature: %s\n", stringOr(&result.Signature, "-"))
			fmt.Fprintf(w, "Attempts:  %d\n", result.Attempts)
			return nil
		},
	}
}

func watchSettlementsCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream settlement events from NATS",
		ArgsUsage: "[wallet_address]",
		Description: `Streams events published to the SETTLEMENTS stream on subject
settlements.{wallet}. Without a wallet, events for all wallets are shown.

Example:
  tokenpay --jq '.tokens' settlements watch 9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM`,
		Action: func(c *cli.Context) error {
			wallet := c.Args().First()

			subscriber, err := natspkg.NewSubscriber(c.String("nats-url"), newLogger(c))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer subscriber.Close()

			// Setup signal handling for graceful shutdown
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return watchSettlements(ctx, c, subscriber, wallet)
		},
	}
}

// watchSettlements prints events until ctx is done or the subscription ends.
func watchSettlements(ctx context.Context, c *cli.Context, subscriber natspkg.Subscriber, wallet string) error {
	events, err := subscriber.Subscribe(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	if !jsonOutput(c) {
		fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n", natspkg.Subject(wallet))
		fmt.Fprintf(os.Stderr, "\nWaiting for settlements... (Ctrl-C to exit)\n\n")
	}

	count := 0
	for event := range events {
		count++
		if jsonOutput(c) {
			if err := printJSON(c, event); err != nil {
				return err
			}
			continue
		}

		w := c.App.Writer
		fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Settlement #%d (%s)\n", count, event.Type)
		fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Method:      %s\n", event.Method)
		fmt.Fprintf(w, "Reference:   %s\n", event.PaymentReference)
		fmt.Fprintf(w, "Wallet:      %s\n", event.Wallet)
		if event.Tokens != "" {
			fmt.Fprintf(w, "Tokens:      %s\n", event.Tokens)
		}
		if event.Signature != "" {
			fmt.Fprintf(w, "Signature:   %s\n", event.Signature)
		}
		if event.Error != "" {
			fmt.Fprintf(w, "Error:       %s\n", event.Error)
		}
		fmt.Fprintf(w, "Time:        %s\n\n", event.Timestamp.Format(time.RFC3339))
	}

	if !jsonOutput(c) {
		fmt.Fprintf(os.Stderr, "Received %d settlements\n", count)
	}
	return nil
}
