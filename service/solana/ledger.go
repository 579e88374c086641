package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/brojonat/tokenpay/service/keys"
	"github.com/brojonat/tokenpay/service/metrics"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// Ledger is the token-ledger façade used by settlement: associated account
// lookup and creation, mint metadata, balances and transfers.
type Ledger struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string

	confirmPoll    time.Duration
	confirmTimeout time.Duration
}

// LedgerOption customizes a Ledger.
type LedgerOption func(*Ledger)

// WithConfirmPollInterval sets how often signature statuses are polled while
// waiting for a submitted transaction to confirm.
func WithConfirmPollInterval(d time.Duration) LedgerOption {
	return func(l *Ledger) { l.confirmPoll = d }
}

// WithConfirmTimeout bounds how long Transfer waits for confirmation after
// the transaction was sent.
func WithConfirmTimeout(d time.Duration) LedgerOption {
	return func(l *Ledger) { l.confirmTimeout = d }
}

// NewLedger creates a Ledger. If metrics is nil, no metrics will be recorded.
func NewLedger(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		rpc:            rpcClient,
		logger:         logger,
		metrics:        m,
		endpoint:       endpoint,
		confirmPoll:    time.Second,
		confirmTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// observe records an RPC call's latency and outcome.
func (l *Ledger) observe(method string, start time.Time, err error) {
	if l.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	l.metrics.RecordRPCCall(method, status, l.endpoint, time.Since(start).Seconds())
}

// AssociatedTokenAddress derives the associated token account of owner for mint.
func AssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token address for %s: %w", owner, err)
	}
	return ata, nil
}

// GetOrCreateTokenAccount returns owner's associated token account for mint,
// creating it at payer's expense when it does not exist yet.
func (l *Ledger) GetOrCreateTokenAccount(ctx context.Context, payer *keys.Signer, owner, mint solana.PublicKey) (*AccountRef, error) {
	ata, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	ref := &AccountRef{Address: ata, Owner: owner, Mint: mint}

	exists, err := l.accountExists(ctx, ata)
	if err != nil {
		return nil, err
	}
	if exists {
		return ref, nil
	}

	l.logger.InfoContext(ctx, "creating associated token account",
		"owner", owner.String(),
		"mint", mint.String(),
		"account", ata.String(),
		"payer", payer.PublicKey().String(),
	)

	instr := associatedtokenaccount.NewCreateInstruction(payer.PublicKey(), owner, mint).Build()
	sig, err := l.submit(ctx, payer, instr)
	if err != nil {
		// Someone else created it between our check and our create.
		if errors.Is(err, ErrLedgerRejected) {
			if again, checkErr := l.accountExists(ctx, ata); checkErr == nil && again {
				return ref, nil
			}
		}
		return nil, fmt.Errorf("create token account %s: %w", ata, err)
	}

	l.logger.InfoContext(ctx, "created associated token account",
		"account", ata.String(),
		"signature", sig.String(),
	)
	ref.Created = true
	return ref, nil
}

func (l *Ledger) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	start := time.Now()
	info, err := l.rpc.GetAccountInfo(ctx, account)
	l.observe("GetAccountInfo", start, err)

	err = classify("get account info", err)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return false, nil
	case err != nil:
		return false, err
	case info == nil || info.Value == nil:
		return false, nil
	}
	if !info.Value.Owner.Equals(TokenProgramID) && !info.Value.Owner.Equals(Token2022ProgramID) {
		return false, fmt.Errorf("account %s is owned by %s, not a token program: %w",
			account, info.Value.Owner, ErrLedgerRejected)
	}
	return true, nil
}

// GetMintInfo fetches the mint's decimals and supply.
func (l *Ledger) GetMintInfo(ctx context.Context, mint solana.PublicKey) (*MintInfo, error) {
	start := time.Now()
	out, err := l.rpc.GetTokenSupply(ctx, mint)
	l.observe("GetTokenSupply", start, err)
	if err != nil {
		if isMissingAccount(err) {
			return nil, fmt.Errorf("mint %s: %w", mint, ErrAccountNotFound)
		}
		return nil, classify(fmt.Sprintf("get mint info %s", mint), err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("mint %s: empty token supply response: %w", mint, ErrLedgerUnavailable)
	}

	info := &MintInfo{Address: mint, Decimals: out.Value.Decimals}
	if out.Value.Amount != "" {
		supply, err := strconv.ParseUint(out.Value.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("mint %s: parse supply %q: %w", mint, out.Value.Amount, err)
		}
		info.Supply = supply
	}
	return info, nil
}

// GetAccountBalance returns the token account's balance in smallest units.
// An account that does not exist has a zero balance.
func (l *Ledger) GetAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	start := time.Now()
	out, err := l.rpc.GetTokenAccountBalance(ctx, account)
	l.observe("GetTokenAccountBalance", start, err)
	if err != nil {
		if isMissingAccount(err) {
			return 0, nil
		}
		return 0, classify(fmt.Sprintf("get balance %s", account), err)
	}
	if out == nil || out.Value == nil {
		return 0, fmt.Errorf("balance %s: empty response: %w", account, ErrLedgerUnavailable)
	}

	balance, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("balance %s: parse amount %q: %w", account, out.Value.Amount, err)
	}
	return balance, nil
}

// Transfer submits a TransferChecked signed by signer and waits for it to
// confirm. Errors that occur after the transaction was sent are returned as a
// *SubmissionError and match ErrOutcomeUnknown unless the ledger reported a
// definite failure.
func (l *Ledger) Transfer(ctx context.Context, signer *keys.Signer, req TransferRequest) (solana.Signature, error) {
	if req.Amount == 0 {
		return solana.Signature{}, fmt.Errorf("transfer: zero amount: %w", ErrLedgerRejected)
	}

	instr := token.NewTransferCheckedInstruction(
		req.Amount,
		req.Decimals,
		req.From,
		req.Mint,
		req.To,
		signer.PublicKey(),
		nil,
	).Build()

	sig, err := l.submit(ctx, signer, instr)
	if err != nil {
		return sig, fmt.Errorf("transfer %d from %s to %s: %w", req.Amount, req.From, req.To, err)
	}

	l.logger.InfoContext(ctx, "token transfer confirmed",
		"signature", sig.String(),
		"from", req.From.String(),
		"to", req.To.String(),
		"amount", req.Amount,
	)
	return sig, nil
}

// submit builds, signs, sends and confirms a single-instruction transaction.
func (l *Ledger) submit(ctx context.Context, signer *keys.Signer, instr solana.Instruction) (solana.Signature, error) {
	start := time.Now()
	blockhash, err := l.rpc.GetLatestBlockhash(ctx)
	l.observe("GetLatestBlockhash", start, err)
	if err != nil {
		return solana.Signature{}, classify("get latest blockhash", err)
	}
	if blockhash == nil || blockhash.Value == nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: empty response: %w", ErrLedgerUnavailable)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	key := signer.PrivateKey()
	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}
	sig := tx.Signatures[0]

	start = time.Now()
	_, err = l.rpc.SendTransaction(ctx, tx)
	l.observe("SendTransaction", start, err)
	if err != nil {
		classified := classify("send transaction", err)
		if errors.Is(classified, ErrLedgerUnavailable) {
			// The node may have received it before the connection failed.
			classified = fmt.Errorf("%w: %w", classified, ErrOutcomeUnknown)
		}
		return sig, &SubmissionError{Signature: sig, Err: classified}
	}

	if err := l.confirm(ctx, sig); err != nil {
		return sig, &SubmissionError{Signature: sig, Err: err}
	}
	return sig, nil
}

// confirm polls signature status until the transaction is confirmed, fails
// on chain, or ctx ends.
func (l *Ledger) confirm(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(l.confirmPoll)
	defer ticker.Stop()

	for {
		start := time.Now()
		out, err := l.rpc.GetSignatureStatuses(ctx, sig)
		l.observe("GetSignatureStatuses", start, err)

		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return classifyStatusErr("confirm transaction", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		} else if err != nil {
			l.logger.WarnContext(ctx, "failed to fetch signature status",
				"signature", sig.String(),
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirm transaction: %w: %w: %v", ErrLedgerUnavailable, ErrOutcomeUnknown, ctx.Err())
		case <-ticker.C:
		}
	}
}
