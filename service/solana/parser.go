package solana

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known Solana program IDs
var (
	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// MemoProgramIDSPL is the SPL Memo program (most common)
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1)
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// signatureToDomain converts an RPC TransactionSignature to our domain Transaction.
// Note: This only includes metadata from the signature list, not full transaction details.
func signatureToDomain(sig *rpc.TransactionSignature) *Transaction {
	txn := &Transaction{
		Signature: sig.Signature.String(),
		Slot:      sig.Slot,
	}

	if sig.BlockTime != nil {
		txn.BlockTime = sig.BlockTime.Time()
	} else {
		txn.BlockTime = time.Time{}
	}

	if sig.Err != nil {
		errMsg := fmt.Sprintf("transaction failed: %v", sig.Err)
		txn.Err = &errMsg
	}

	return txn
}

// parseTransactionFromResult parses a full GetTransactionResult to extract
// the token transfers and memo from its top-level instructions.
func parseTransactionFromResult(sig *rpc.TransactionSignature, result *rpc.GetTransactionResult) (*Transaction, error) {
	txn := signatureToDomain(sig)

	if sig.Err != nil || result == nil {
		return txn, nil
	}
	if result.Meta != nil && result.Meta.Err != nil {
		errMsg := fmt.Sprintf("transaction failed: %v", result.Meta.Err)
		txn.Err = &errMsg
		return txn, nil
	}
	if result.Transaction == nil {
		return txn, nil
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	accountKeys := tx.Message.AccountKeys
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		if programID.Equals(TokenProgramID) || programID.Equals(Token2022ProgramID) {
			if transfer, err := parseTokenTransfer(instruction, accountKeys); err == nil {
				txn.Transfers = append(txn.Transfers, transfer)
			}
		}

		if programID.Equals(MemoProgramIDSPL) || programID.Equals(MemoProgramIDLegacy) {
			if memo := parseMemo(instruction.Data); memo != "" {
				txn.Memo = &memo
			}
		}
	}

	return txn, nil
}

// parseTokenTransfer extracts an SPL Token Transfer or TransferChecked instruction.
func parseTokenTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (TokenTransfer, error) {
	var out TokenTransfer
	if len(instruction.Data) == 0 {
		return out, fmt.Errorf("empty instruction data")
	}

	key := func(pos int) (solana.PublicKey, error) {
		if pos >= len(instruction.Accounts) {
			return solana.PublicKey{}, fmt.Errorf("missing account %d", pos)
		}
		idx := instruction.Accounts[pos]
		if int(idx) >= len(accountKeys) {
			return solana.PublicKey{}, fmt.Errorf("account index %d out of bounds", idx)
		}
		return accountKeys[idx], nil
	}

	var (
		srcPos, dstPos, authPos int
		mintPos                 = -1
	)

	switch instruction.Data[0] {
	case TokenProgramTransferInstruction:
		// [0] type, [1..9] amount; accounts: [source, destination, authority]
		if len(instruction.Data) < 9 {
			return out, fmt.Errorf("transfer instruction data too short")
		}
		srcPos, dstPos, authPos = 0, 1, 2

	case TokenProgramTransferCheckedInstruction:
		// [0] type, [1..9] amount, [9] decimals; accounts: [source, mint, destination, authority]
		if len(instruction.Data) < 10 {
			return out, fmt.Errorf("transferChecked instruction data too short")
		}
		srcPos, mintPos, dstPos, authPos = 0, 1, 2, 3

	default:
		return out, fmt.Errorf("unknown token instruction type: %d", instruction.Data[0])
	}

	out.Amount = binary.LittleEndian.Uint64(instruction.Data[1:9])

	var err error
	if out.Source, err = key(srcPos); err != nil {
		return out, err
	}
	if out.Destination, err = key(dstPos); err != nil {
		return out, err
	}
	if out.Authority, err = key(authPos); err != nil {
		return out, err
	}
	if mintPos >= 0 {
		mint, err := key(mintPos)
		if err != nil {
			return out, err
		}
		out.Mint = &mint
	}
	return out, nil
}

// parseMemo extracts the memo text from a Memo Program instruction.
func parseMemo(data []byte) string {
	memo := string(data)

	// Some clients base64 encode the memo.
	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil && len(decoded) > 0 {
		if utf8.Valid(decoded) && !containsNull(decoded) {
			return string(decoded)
		}
	}

	return memo
}

func containsNull(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

// BalanceChanges returns the net token movement per (owner, mint) recorded in
// the transaction's pre/post token balances. Accounts without an owner are skipped.
func BalanceChanges(result *rpc.GetTransactionResult) ([]BalanceChange, error) {
	if result == nil || result.Meta == nil {
		return nil, nil
	}

	type key struct {
		owner solana.PublicKey
		mint  solana.PublicKey
	}
	totals := map[key]*BalanceChange{}
	var order []key

	add := func(b rpc.TokenBalance, sign int64) error {
		if b.Owner == nil || b.UiTokenAmount == nil {
			return nil
		}
		amount, err := strconv.ParseInt(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			return fmt.Errorf("parse token amount %q: %w", b.UiTokenAmount.Amount, err)
		}
		k := key{owner: *b.Owner, mint: b.Mint}
		bc, ok := totals[k]
		if !ok {
			bc = &BalanceChange{Owner: *b.Owner, Mint: b.Mint, Decimals: b.UiTokenAmount.Decimals}
			totals[k] = bc
			order = append(order, k)
		}
		bc.Delta += sign * amount
		return nil
	}

	for _, b := range result.Meta.PreTokenBalances {
		if err := add(b, -1); err != nil {
			return nil, err
		}
	}
	for _, b := range result.Meta.PostTokenBalances {
		if err := add(b, 1); err != nil {
			return nil, err
		}
	}

	out := make([]BalanceChange, 0, len(order))
	for _, k := range order {
		out = append(out, *totals[k])
	}
	return out, nil
}

// ReceivedBy returns how much of mint the owner's token accounts gained in the
// transaction. The second return is false when the owner held no account for
// mint in the transaction.
func ReceivedBy(result *rpc.GetTransactionResult, owner, mint solana.PublicKey) (BalanceChange, bool, error) {
	changes, err := BalanceChanges(result)
	if err != nil {
		return BalanceChange{}, false, err
	}
	for _, c := range changes {
		if c.Owner.Equals(owner) && c.Mint.Equals(mint) {
			return c, true, nil
		}
	}
	return BalanceChange{}, false, nil
}
