package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	// ErrLedgerUnavailable means the RPC node could not be reached or did not answer in time.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrLedgerRejected means the ledger processed the request and declined it.
	ErrLedgerRejected = errors.New("ledger rejected request")
	// ErrInsufficientBalance means the source account cannot cover the transfer.
	ErrInsufficientBalance = errors.New("insufficient token balance")
	// ErrOutcomeUnknown marks failures that happened after a transaction was
	// handed to the network; the transfer may still land.
	ErrOutcomeUnknown = errors.New("transaction outcome unknown")
	// ErrAccountNotFound is returned when an account does not exist on chain.
	ErrAccountNotFound = errors.New("account not found")
)

// rpcErrInvalidParams is returned by token balance queries for accounts that do not exist.
const rpcErrInvalidParams = -32602

// SubmissionError wraps a transfer failure that happened after signing and
// carries the transaction signature so the outcome can be reconciled later.
type SubmissionError struct {
	Signature solana.Signature
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Signature, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// classify maps a raw RPC error onto the ledger error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrLedgerUnavailable, err)
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if isInsufficientFunds(rpcErr.Message) || isInsufficientFunds(fmt.Sprint(rpcErr.Data)) {
			return fmt.Errorf("%s: %w: %s", op, ErrInsufficientBalance, rpcErr.Message)
		}
		return fmt.Errorf("%s: %w: %s (code %d)", op, ErrLedgerRejected, rpcErr.Message, rpcErr.Code)
	}

	return fmt.Errorf("%s: %w: %v", op, ErrLedgerUnavailable, err)
}

// classifyStatusErr maps the err field of a landed transaction's status.
func classifyStatusErr(op string, statusErr interface{}) error {
	msg := fmt.Sprintf("%v", statusErr)
	if isInsufficientFunds(msg) {
		return fmt.Errorf("%s: %w: %s", op, ErrInsufficientBalance, msg)
	}
	return fmt.Errorf("%s: %w: %s", op, ErrLedgerRejected, msg)
}

// isInsufficientFunds recognizes the SPL token program's InsufficientFunds error (custom error 1).
func isInsufficientFunds(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "custom program error: 0x1\"") ||
		strings.HasSuffix(msg, "custom program error: 0x1") ||
		strings.Contains(msg, "custom:1]")
}

// isMissingAccount reports whether err is the RPC node's "could not find account" answer.
func isMissingAccount(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == rpcErrInvalidParams || strings.Contains(rpcErr.Message, "could not find account")
	}
	return false
}
