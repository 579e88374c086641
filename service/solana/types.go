package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// Transaction represents a parsed Solana transaction.
// This is our domain model, independent of the RPC response format.
type Transaction struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Transfers []TokenTransfer
	Memo      *string // parsed from transaction instructions
	Err       *string // nil if transaction succeeded, contains error message if failed
}

// HasTransfer reports whether the transaction moved exactly amount from
// source to destination in one instruction.
func (t *Transaction) HasTransfer(source, destination solana.PublicKey, amount uint64) bool {
	for _, tr := range t.Transfers {
		if tr.Source.Equals(source) && tr.Destination.Equals(destination) && tr.Amount == amount {
			return true
		}
	}
	return false
}

// TokenTransfer is a single SPL token Transfer or TransferChecked instruction.
type TokenTransfer struct {
	Source      solana.PublicKey // source token account
	Destination solana.PublicKey // destination token account
	Authority   solana.PublicKey // signer that owns the source account
	Mint        *solana.PublicKey // only known for TransferChecked
	Amount      uint64
}

// AccountRef identifies an associated token account.
type AccountRef struct {
	Address solana.PublicKey
	Owner   solana.PublicKey
	Mint    solana.PublicKey
	Created bool // true when this call created the account
}

// MintInfo is the subset of mint metadata settlement needs.
type MintInfo struct {
	Address  solana.PublicKey
	Decimals uint8
	Supply   uint64
}

// TransferRequest describes a TransferChecked between two token accounts.
type TransferRequest struct {
	From     solana.PublicKey
	To       solana.PublicKey
	Mint     solana.PublicKey
	Amount   uint64
	Decimals uint8
}

// BalanceChange is the net token movement into one owner's accounts for one
// mint within a single transaction.
type BalanceChange struct {
	Owner    solana.PublicKey
	Mint     solana.PublicKey
	Delta    int64
	Decimals uint8
}
