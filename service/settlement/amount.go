package settlement

import (
	"fmt"
	"math"
	"math/big"

	"github.com/brojonat/tokenpay/service/payment"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var maxUint64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ToSmallestUnits converts a token quantity to the mint's smallest units,
// truncating toward zero. Quantities that truncate to zero or overflow
// uint64 are ErrInvalidAmount.
func ToSmallestUnits(quantity decimal.Decimal, decimals uint8) (uint64, error) {
	scaled := quantity.Shift(int32(decimals)).Truncate(0)
	if !scaled.IsPositive() {
		return 0, fmt.Errorf("%w: %s is below one smallest unit at %d decimals", ErrInvalidAmount, quantity, decimals)
	}
	if scaled.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("%w: %s overflows at %d decimals", ErrInvalidAmount, quantity, decimals)
	}
	return scaled.BigInt().Uint64(), nil
}

// FromSmallestUnits is the inverse of ToSmallestUnits for display.
func FromSmallestUnits(amount uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals))
}

// TokensForUSD is floor(amountUSD / unitPriceUSD).
func TokensForUSD(amountUSD, unitPriceUSD decimal.Decimal) (decimal.Decimal, error) {
	if !unitPriceUSD.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: unit price must be positive", ErrInvalidAmount)
	}
	return amountUSD.DivRound(unitPriceUSD, 18).Floor(), nil
}

// Intent is a transfer owed for a verified payment.
type Intent struct {
	Recipient string
	Quantity  decimal.Decimal
}

// NewIntent prices a verified payment in whole tokens, using the amount the
// processor confirmed rather than the amount the buyer stated.
func NewIntent(conf *payment.Confirmation, unitPriceUSD decimal.Decimal) (Intent, error) {
	quantity, err := TokensForUSD(conf.AmountUSD, unitPriceUSD)
	if err != nil {
		return Intent{}, err
	}
	if !quantity.IsPositive() {
		return Intent{}, fmt.Errorf("%w: %s USD buys less than one token", ErrInvalidAmount, conf.AmountUSD)
	}
	return Intent{Recipient: conf.PayerWallet, Quantity: quantity}, nil
}

// ParseAddress validates a base58 32-byte account address.
func ParseAddress(address string) (solanago.PublicKey, error) {
	if address == "" {
		return solanago.PublicKey{}, fmt.Errorf("%w: address is empty", ErrInvalidAddress)
	}
	pk, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)
	}
	return pk, nil
}
