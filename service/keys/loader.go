// Package keys resolves the process signing keypair from configured secret material.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

var (
	// ErrConfig is returned when neither secret slot holds a value.
	ErrConfig = errors.New("no signer secret configured")
	// ErrInvalidKey is returned when a secret cannot be decoded into a keypair.
	ErrInvalidKey = errors.New("invalid signer key")
)

// SecretKeySize is the length of a Solana keypair: 32 seed bytes followed by 32 public key bytes.
const SecretKeySize = ed25519.PrivateKeySize

const (
	PrimarySlot  = "SOLANA_PRIVATE_KEY"
	FallbackSlot = "SOL_SECRET_KEY1"
)

// SecretEncoding is the decoded form of a configured secret. It is either an
// ArraySecret or a Base58Secret; which one is decided once by ParseSecret.
type SecretEncoding interface {
	// Bytes returns the raw key material.
	Bytes() ([]byte, error)
	// Format names the encoding for logs.
	Format() string
}

// ArraySecret is a secret configured as a JSON array of byte values, e.g. "[12,250,...]".
type ArraySecret []byte

func (a ArraySecret) Bytes() ([]byte, error) { return []byte(a), nil }
func (a ArraySecret) Format() string          { return "array" }

// Base58Secret is a secret configured as a base58 string.
type Base58Secret string

func (b Base58Secret) Bytes() ([]byte, error) {
	raw, err := base58.Decode(string(b))
	if err != nil {
		return nil, fmt.Errorf("%w: base58 decode: %v", ErrInvalidKey, err)
	}
	return raw, nil
}

func (b Base58Secret) Format() string { return "base58" }

// ParseSecret picks the encoding of value by its first character: a leading
// '[' means a JSON byte array, anything else is base58.
func ParseSecret(value string) (SecretEncoding, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrConfig
	}
	if !strings.HasPrefix(value, "[") {
		return Base58Secret(value), nil
	}

	// encoding/json decodes []byte from base64, so go through []int and range check.
	var ints []int
	if err := json.Unmarshal([]byte(value), &ints); err != nil {
		return nil, fmt.Errorf("%w: json array: %v", ErrInvalidKey, err)
	}
	raw := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: byte %d out of range: %d", ErrInvalidKey, i, v)
		}
		raw[i] = byte(v)
	}
	return ArraySecret(raw), nil
}

// Signer is the keypair that pays for and authorizes ledger transactions.
// It is immutable once constructed.
type Signer struct {
	key    solana.PrivateKey
	format string
	slot   string
}

// NewSigner validates raw key material and wraps it in a Signer.
func NewSigner(raw []byte) (*Signer, error) {
	if len(raw) != SecretKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, SecretKeySize, len(raw))
	}
	expected := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !bytes.Equal(expected, raw) {
		return nil, fmt.Errorf("%w: public key does not match seed", ErrInvalidKey)
	}
	key := make(solana.PrivateKey, SecretKeySize)
	copy(key, raw)
	return &Signer{key: key}, nil
}

// PublicKey returns the signer's address.
func (s *Signer) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// PrivateKey returns a copy of the secret key for transaction signing.
func (s *Signer) PrivateKey() solana.PrivateKey {
	out := make(solana.PrivateKey, len(s.key))
	copy(out, s.key)
	return out
}

// Format reports which encoding the signer was loaded from, if any.
func (s *Signer) Format() string { return s.format }

// Slot reports which configuration slot the signer was loaded from, if any.
func (s *Signer) Slot() string { return s.slot }

// Secrets holds the two configured secret slots.
type Secrets struct {
	Primary  string
	Fallback string
}

// LoadSigner resolves the signer from the first populated slot, primary first.
// A populated slot that fails to decode is an error; it does not fall through
// to the next slot.
func LoadSigner(secrets Secrets) (*Signer, error) {
	slot, value := PrimarySlot, strings.TrimSpace(secrets.Primary)
	if value == "" {
		slot, value = FallbackSlot, strings.TrimSpace(secrets.Fallback)
	}
	if value == "" {
		return nil, fmt.Errorf("%w: set %s or %s", ErrConfig, PrimarySlot, FallbackSlot)
	}

	enc, err := ParseSecret(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", slot, err)
	}
	raw, err := enc.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", slot, err)
	}
	signer, err := NewSigner(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", slot, err)
	}
	signer.format = enc.Format()
	signer.slot = slot
	return signer, nil
}

// Provider resolves the signer on first use and returns the same result for
// the lifetime of the process.
type Provider struct {
	secrets Secrets
	logger  *slog.Logger

	once   sync.Once
	signer *Signer
	err    error
}

// NewProvider creates a lazily-initialized signer provider.
func NewProvider(secrets Secrets, logger *slog.Logger) *Provider {
	return &Provider{secrets: secrets, logger: logger}
}

// StaticProvider returns a Provider that always yields signer.
func StaticProvider(signer *Signer) *Provider {
	p := &Provider{}
	p.once.Do(func() { p.signer = signer })
	return p
}

// Signer returns the cached signer, loading it on the first call.
func (p *Provider) Signer() (*Signer, error) {
	p.once.Do(func() {
		p.signer, p.err = LoadSigner(p.secrets)
		if p.logger == nil {
			return
		}
		if p.err != nil {
			p.logger.Error("failed to load signer", "error", p.err)
			return
		}
		p.logger.Info("signer loaded",
			"public_key", p.signer.PublicKey().String(),
			"slot", p.signer.Slot(),
			"format", p.signer.Format(),
		)
	})
	return p.signer, p.err
}

// EncodeArray renders key as a JSON byte array.
func EncodeArray(key []byte) string {
	parts := make([]string, len(key))
	for i, b := range key {
		parts[i] = strconv.Itoa(int(b))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// EncodeBase58 renders key as base58.
func EncodeBase58(key []byte) string {
	return base58.Encode(key)
}
