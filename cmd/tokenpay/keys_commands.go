package main

import (
	"fmt"
	"strings"

	"github.com/brojonat/tokenpay/service/keys"
	"github.com/tyler-smith/go-bip39"
	"github.com/urfave/cli/v2"
)

// keyInfo describes a signer without exposing its secret unless asked to.
type keyInfo struct {
	Slot      string `json:"slot,omitempty"`
	Format    string `json:"format"`
	Path      string `json:"path,omitempty"`
	PublicKey string `json:"public_key"`
	Secret    string `json:"secret,omitempty"`
}

func inspectKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Show which slot and encoding the configured signer resolves from",
		Description: `Resolves the signer exactly as the server does: SOLANA_PRIVATE_KEY first,
then SOL_SECRET_KEY1. The secret itself is never printed.

Example:
  tokenpay keys inspect --json`,
		Action: func(c *cli.Context) error {
			signer, err := keys.LoadSigner(keys.Secrets{
				Primary:  c.String("primary-secret"),
				Fallback: c.String("fallback-secret"),
			})
			if err != nil {
				return fmt.Errorf("failed to load signer: %w", err)
			}

			info := keyInfo{
				Slot:      signer.Slot(),
				Format:    signer.Format(),
				PublicKey: signer.PublicKey().String(),
			}
			if jsonOutput(c) {
				return printJSON(c, info)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Slot:       %s\n", info.Slot)
			fmt.Fprintf(w, "Format:     %s\n", info.Format)
			fmt.Fprintf(w, "Public Key: %s\n", info.PublicKey)
			return nil
		},
	}
}

func convertKeyCommand() *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "Convert a secret between JSON byte array and base58 encodings",
		ArgsUsage: "<secret>",
		Description: `Converts to the other encoding unless --to is given.

Examples:
  tokenpay keys convert '[12,250,...]'
  tokenpay keys convert --to array 4NMwxzmYj2uvHuq8xoqhY8RXg63KSVJM1DXkpbmkUY7YQWuoyQgFnnzn6yo3CMnqZasnNPNuAT2TLwQsCaKkUddp`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "to",
				Usage: "Target encoding: array or base58",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: secret")
			}

			enc, err := keys.ParseSecret(c.Args().First())
			if err != nil {
				return err
			}
			raw, err := enc.Bytes()
			if err != nil {
				return err
			}
			signer, err := keys.NewSigner(raw)
			if err != nil {
				return err
			}

			target := c.String("to")
			if target == "" {
				target = "base58"
				if enc.Format() == "base58" {
					target = "array"
				}
			}

			var secret string
			switch target {
			case "array":
				secret = keys.EncodeArray(signer.PrivateKey())
			case "base58":
				secret = keys.EncodeBase58(signer.PrivateKey())
			default:
				return fmt.Errorf("invalid --to %q: must be array or base58", target)
			}

			if jsonOutput(c) {
				return printJSON(c, keyInfo{
					Format:    target,
					PublicKey: signer.PublicKey().String(),
					Secret:    secret,
				})
			}
			fmt.Fprintln(c.App.Writer, secret)
			return nil
		},
	}
}

func deriveKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "derive",
		Usage: "Derive signer keypairs from a BIP-39 recovery phrase",
		Description: `Derives accounts along m/44'/501'/i'/0', the path used by Phantom and
Solflare. Secrets are only printed with --show-secret.

Example:
  tokenpay keys derive --mnemonic "$MNEMONIC" --count 3`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "mnemonic",
				Usage:    "BIP-39 recovery phrase",
				EnvVars:  []string{"MNEMONIC"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "passphrase",
				Usage: "Optional BIP-39 passphrase",
			},
			&cli.IntFlag{
				Name:  "start",
				Usage: "First account index",
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Number of accounts to derive",
				Value: 1,
			},
			&cli.BoolFlag{
				Name:  "show-secret",
				Usage: "Include the base58 secret of each account",
			},
		},
		Action: func(c *cli.Context) error {
			start, count := c.Int("start"), c.Int("count")
			if start < 0 || count <= 0 {
				return fmt.Errorf("--start must be >= 0 and --count must be positive")
			}

			var accounts []keyInfo
			for i := start; i < start+count; i++ {
				path := fmt.Sprintf(keys.DefaultPathTemplate, i)
				signer, err := keys.DeriveFromMnemonic(c.String("mnemonic"), c.String("passphrase"), path)
				if err != nil {
					return fmt.Errorf("derive %s: %w", path, err)
				}
				info := keyInfo{
					Format:    signer.Format(),
					Path:      path,
					PublicKey: signer.PublicKey().String(),
				}
				if c.Bool("show-secret") {
					info.Secret = keys.EncodeBase58(signer.PrivateKey())
				}
				accounts = append(accounts, info)
			}

			if jsonOutput(c) {
				return printJSON(c, accounts)
			}
			for _, a := range accounts {
				if a.Secret != "" {
					fmt.Fprintf(c.App.Writer, "%-20s %s %s\n", a.Path, a.PublicKey, a.Secret)
				} else {
					fmt.Fprintf(c.App.Writer, "%-20s %s\n", a.Path, a.PublicKey)
				}
			}
			return nil
		},
	}
}

func newMnemonicCommand() *cli.Command {
	return &cli.Command{
		Name:  "new",
		Usage: "Generate a new recovery phrase and show its first account",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "words",
				Usage: "Phrase length: 12 or 24 words",
				Value: 12,
			},
		},
		Action: func(c *cli.Context) error {
			var bits int
			switch c.Int("words") {
			case 12:
				bits = 128
			case 24:
				bits = 256
			default:
				return fmt.Errorf("--words must be 12 or 24")
			}

			entropy, err := bip39.NewEntropy(bits)
			if err != nil {
				return fmt.Errorf("failed to generate entropy: %w", err)
			}
			mnemonic, err := bip39.NewMnemonic(entropy)
			if err != nil {
				return fmt.Errorf("failed to build mnemonic: %w", err)
			}

			path := fmt.Sprintf(keys.DefaultPathTemplate, 0)
			signer, err := keys.DeriveFromMnemonic(mnemonic, "", path)
			if err != nil {
				return err
			}

			if jsonOutput(c) {
				return printJSON(c, map[string]string{
					"mnemonic":   mnemonic,
					"path":       path,
					"public_key": signer.PublicKey().String(),
				})
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Mnemonic:   %s\n", strings.TrimSpace(mnemonic))
			fmt.Fprintf(w, "Path:       %s\n", path)
			fmt.Fprintf(w, "Public Key: %s\n", signer.PublicKey())
			return nil
		},
	}
}
