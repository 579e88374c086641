// Package settlement pays buyers in tokens once their payment is verified.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/brojonat/tokenpay/service/keys"
	"github.com/brojonat/tokenpay/service/metrics"
	"github.com/brojonat/tokenpay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// DefaultTimeout bounds the ledger part of a settlement.
const DefaultTimeout = 30 * time.Second

// Ledger is the subset of solana.Ledger a settlement needs.
type Ledger interface {
	GetOrCreateTokenAccount(ctx context.Context, payer *keys.Signer, owner, mint solanago.PublicKey) (*solana.AccountRef, error)
	GetMintInfo(ctx context.Context, mint solanago.PublicKey) (*solana.MintInfo, error)
	GetAccountBalance(ctx context.Context, account solanago.PublicKey) (uint64, error)
	Transfer(ctx context.Context, signer *keys.Signer, req solana.TransferRequest) (solanago.Signature, error)
}

// SignerSource resolves the sending keypair. keys.Provider caches it for the
// process lifetime.
type SignerSource interface {
	Signer() (*keys.Signer, error)
}

// Receipt describes a completed transfer.
type Receipt struct {
	Signature        string          `json:"signature"`
	Recipient        string          `json:"recipient"`
	RecipientAccount string          `json:"recipient_account"`
	SenderAccount    string          `json:"sender_account"`
	Quantity         decimal.Decimal `json:"quantity"`
	Amount           uint64          `json:"amount"`
	Decimals         uint8           `json:"decimals"`
}

// LateResult is the outcome of a pipeline whose caller already got ErrTimeout.
type LateResult struct {
	Reference Reference
	Recipient string
	Quantity  decimal.Decimal
	Receipt   *Receipt
	Err       error
	Elapsed   time.Duration
}

// LateResultHandler is invoked at most once per timed-out settlement, from
// the pipeline goroutine.
type LateResultHandler func(ctx context.Context, late LateResult)

// Reference identifies the payment a settlement is for. It travels on the
// context so late results and logs can be tied back to it.
type Reference struct {
	Method    string
	Reference string
}

type referenceKey struct{}

// WithReference attaches ref to ctx.
func WithReference(ctx context.Context, ref Reference) context.Context {
	return context.WithValue(ctx, referenceKey{}, ref)
}

// ReferenceFrom returns the reference attached to ctx, if any.
func ReferenceFrom(ctx context.Context) (Reference, bool) {
	ref, ok := ctx.Value(referenceKey{}).(Reference)
	return ref, ok
}

// Service transfers tokens from the configured signer to buyers.
type Service struct {
	ledger  Ledger
	signers SignerSource
	mint    solanago.PublicKey
	timeout time.Duration
	onLate  LateResultHandler
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLateResultHandler registers a hook for results that arrive after the
// caller timed out.
func WithLateResultHandler(h LateResultHandler) Option {
	return func(s *Service) { s.onLate = h }
}

// WithMetrics records settlement outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a settlement service for the given token mint.
func NewService(ledger Ledger, signers SignerSource, mint solanago.PublicKey, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:  ledger,
		signers: signers,
		mint:    mint,
		timeout: DefaultTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeout returns the pipeline deadline.
func (s *Service) Timeout() time.Duration { return s.timeout }

type outcome struct {
	receipt *Receipt
	err     error
}

// Settle transfers quantity tokens to recipient.
//
// Validation happens before any ledger call. The ledger steps race a single
// deadline; if the deadline wins the caller gets ErrTimeout and the pipeline
// keeps running, its result going to the late-result hook instead. Nothing is
// retried here.
func (s *Service) Settle(ctx context.Context, recipient string, quantity decimal.Decimal) (*Receipt, error) {
	start := time.Now()
	ref, _ := ReferenceFrom(ctx)

	owner, err := ParseAddress(recipient)
	if err != nil {
		s.record(ref, "invalid", start)
		return nil, err
	}
	if !quantity.IsPositive() {
		s.record(ref, "invalid", start)
		return nil, fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidAmount, quantity)
	}

	signer, err := s.signers.Signer()
	if err != nil {
		s.record(ref, "config_error", start)
		return nil, fmt.Errorf("resolve signer: %w", err)
	}

	logger := s.logger.With(
		"recipient", recipient,
		"quantity", quantity.String(),
		"method", ref.Method,
		"payment_reference", ref.Reference,
	)
	logger.InfoContext(ctx, "settlement started", "timeout", s.timeout.String())

	// decided is flipped by whichever of the pipeline and the timer finishes
	// first; only the winner reports to the caller.
	var decided atomic.Bool
	done := make(chan outcome, 1)
	pipelineCtx := context.WithoutCancel(ctx)

	go func() {
		receipt, err := s.run(pipelineCtx, signer, owner, quantity)
		if decided.CompareAndSwap(false, true) {
			done <- outcome{receipt: receipt, err: err}
			return
		}
		s.late(pipelineCtx, logger, LateResult{
			Reference: ref,
			Recipient: recipient,
			Quantity:  quantity,
			Receipt:   receipt,
			Err:       err,
			Elapsed:   time.Since(start),
		})
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return s.finish(ctx, logger, ref, start, out)
	case <-timer.C:
		if !decided.CompareAndSwap(false, true) {
			// The pipeline finished in the same instant; its result is in done.
			return s.finish(ctx, logger, ref, start, <-done)
		}
		s.record(ref, "timeout", start)
		logger.ErrorContext(ctx, "settlement timed out; transfer outcome unknown", "elapsed", time.Since(start).String())
		return nil, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	}
}

func (s *Service) finish(ctx context.Context, logger *slog.Logger, ref Reference, start time.Time, out outcome) (*Receipt, error) {
	if out.err != nil {
		s.record(ref, outcomeLabel(out.err), start)
		logger.ErrorContext(ctx, "settlement failed",
			"error", out.err,
			"outcome_unknown", OutcomeUnknown(out.err),
		)
		return nil, out.err
	}

	s.record(ref, "succeeded", start)
	if s.metrics != nil {
		s.metrics.RecordTokensIssued(methodLabel(ref), out.receipt.Quantity.InexactFloat64())
	}
	logger.InfoContext(ctx, "settlement succeeded",
		"signature", out.receipt.Signature,
		"amount", out.receipt.Amount,
		"elapsed", time.Since(start).String(),
	)
	return out.receipt, nil
}

func (s *Service) late(ctx context.Context, logger *slog.Logger, result LateResult) {
	label := "succeeded"
	if result.Err != nil {
		label = outcomeLabel(result.Err)
		logger.WarnContext(ctx, "settlement finished after timeout",
			"error", result.Err,
			"elapsed", result.Elapsed.String(),
		)
	} else {
		logger.WarnContext(ctx, "settlement finished after timeout",
			"signature", result.Receipt.Signature,
			"elapsed", result.Elapsed.String(),
		)
	}
	if s.metrics != nil {
		s.metrics.RecordLateResult(label)
	}
	if s.onLate != nil {
		s.onLate(ctx, result)
	}
}

// run performs the ledger steps in order, stopping at the first failure.
func (s *Service) run(ctx context.Context, signer *keys.Signer, owner solanago.PublicKey, quantity decimal.Decimal) (*Receipt, error) {
	sender, err := s.ledger.GetOrCreateTokenAccount(ctx, signer, signer.PublicKey(), s.mint)
	if err != nil {
		return nil, fmt.Errorf("sender token account: %w", err)
	}

	recipient, err := s.ledger.GetOrCreateTokenAccount(ctx, signer, owner, s.mint)
	if err != nil {
		return nil, fmt.Errorf("recipient token account: %w", err)
	}

	mint, err := s.ledger.GetMintInfo(ctx, s.mint)
	if err != nil {
		return nil, fmt.Errorf("mint info: %w", err)
	}

	amount, err := ToSmallestUnits(quantity, mint.Decimals)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.GetAccountBalance(ctx, sender.Address)
	if err != nil {
		return nil, fmt.Errorf("sender balance: %w", err)
	}
	if balance < amount {
		return nil, fmt.Errorf("%w: sender holds %d, need %d", ErrInsufficientBalance, balance, amount)
	}

	sig, err := s.ledger.Transfer(ctx, signer, solana.TransferRequest{
		From:     sender.Address,
		To:       recipient.Address,
		Mint:     s.mint,
		Amount:   amount,
		Decimals: mint.Decimals,
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}

	return &Receipt{
		Signature:        sig.String(),
		Recipient:        owner.String(),
		RecipientAccount: recipient.Address.String(),
		SenderAccount:    sender.Address.String(),
		Quantity:         quantity,
		Amount:           amount,
		Decimals:         mint.Decimals,
	}, nil
}

func (s *Service) record(ref Reference, outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSettlement(methodLabel(ref), outcome, time.Since(start).Seconds())
}

func methodLabel(ref Reference) string {
	if ref.Method == "" {
		return "direct"
	}
	return ref.Method
}

func outcomeLabel(err error) string {
	switch {
	case OutcomeUnknown(err):
		return "unknown"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrLedgerRejected):
		return "rejected"
	case errors.Is(err, ErrLedgerUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAddress):
		return "invalid"
	default:
		return "error"
	}
}
