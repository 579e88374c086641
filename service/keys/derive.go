package keys

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/blocto/solana-go-sdk/pkg/hdwallet"
	"github.com/tyler-smith/go-bip39"
)

// DefaultPathTemplate is the account path used by most Solana wallets; %d is the account index.
const DefaultPathTemplate = "m/44'/501'/%d'/0'"

// ErrInvalidMnemonic is returned when the recovery phrase fails its BIP-39 checksum.
var ErrInvalidMnemonic = errors.New("invalid mnemonic phrase")

// DeriveFromMnemonic derives the keypair at path from a BIP-39 recovery phrase
// using SLIP-10 ed25519 derivation. Only hardened path segments are allowed.
func DeriveFromMnemonic(mnemonic, passphrase, path string) (*Signer, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	path = strings.TrimSpace(path)
	derived, err := hdwallet.Derived(path, seed)
	if err != nil {
		return nil, fmt.Errorf("derivation path %q: %w", path, err)
	}

	signer, err := NewSigner(ed25519.NewKeyFromSeed(derived.PrivateKey))
	if err != nil {
		return nil, err
	}
	signer.format = "mnemonic"
	signer.slot = path
	return signer, nil
}
