package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/tokenpay/service/db"
	"github.com/brojonat/tokenpay/service/users"
	"github.com/urfave/cli/v2"
)

func listUsersCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List registered users",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			list, err := users.NewService(store, newLogger(c)).List(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}

			if jsonOutput(c) {
				if list == nil {
					list = []*db.User{}
				}
				return printJSON(c, list)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tEMAIL\tCREATED")
			for _, u := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Name, u.Email, u.CreatedAt.Format(time.RFC3339))
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d users\n", len(list))
			return nil
		},
	}
}

func resetPasswordCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset-password",
		Usage: "Set a new password for a user",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "email",
				Usage:    "User email",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "password",
				Usage:    "New password",
				EnvVars:  []string{"NEW_PASSWORD"},
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			svc := users.NewService(store, newLogger(c))
			if err := svc.ResetPassword(context.Background(), c.String("email"), c.String("password")); err != nil {
				if errors.Is(err, users.ErrUserNotFound) {
					return fmt.Errorf("no user with email %s", c.String("email"))
				}
				return fmt.Errorf("failed to reset password: %w", err)
			}

			if jsonOutput(c) {
				return printJSON(c, map[string]string{"email": c.String("email"), "status": "updated"})
			}
			fmt.Fprintf(c.App.Writer, "✓ Password updated for %s\n", c.String("email"))
			return nil
		},
	}
}
