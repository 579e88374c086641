package main

import (
	"bytes"
	"testing"

	"github.com/urfave/cli/v2"
)

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Keep the caller's environment out of flag defaults.
	for _, key := range []string{"SOLANA_PRIVATE_KEY", "SOL_SECRET_KEY1", "SOLANA_MINT_ADDRESS", "DATABASE_URL", "MNEMONIC", "SERVER_URL"} {
		t.Setenv(key, "")
	}

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &bytes.Buffer{}
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"tokenpay"}, args...))
	return out.String(), err
}
