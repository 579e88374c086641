package settlement

import (
	"errors"

	"github.com/brojonat/tokenpay/service/keys"
	"github.com/brojonat/tokenpay/service/solana"
)

var (
	ErrInvalidAddress = errors.New("invalid recipient address")
	ErrInvalidAmount  = errors.New("invalid token quantity")

	// ErrTimeout is returned when the pipeline misses its deadline. The
	// transfer may still land afterwards.
	ErrTimeout = errors.New("settlement timed out")
)

// Ledger and key errors surface unchanged from Settle; these aliases let
// callers match them without importing the producing packages.
var (
	ErrConfig              = keys.ErrConfig
	ErrInvalidKey          = keys.ErrInvalidKey
	ErrLedgerUnavailable   = solana.ErrLedgerUnavailable
	ErrLedgerRejected      = solana.ErrLedgerRejected
	ErrInsufficientBalance = solana.ErrInsufficientBalance
	ErrOutcomeUnknown      = solana.ErrOutcomeUnknown
)

// OutcomeUnknown reports whether a failed settlement may still have moved
// tokens. Such failures must be reconciled before the payment is retried;
// every other failure means the transfer definitely did not happen.
func OutcomeUnknown(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrOutcomeUnknown)
}

// SubmittedSignature returns the signature of the transaction that reached
// the network before err occurred, or "" if none did.
func SubmittedSignature(err error) string {
	var sub *solana.SubmissionError
	if errors.As(err, &sub) {
		return sub.Signature.String()
	}
	return ""
}
