package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tokenpay/service/db"
	"github.com/brojonat/tokenpay/service/metrics"
	natspkg "github.com/brojonat/tokenpay/service/nats"
	"github.com/brojonat/tokenpay/service/settlement"
	"github.com/brojonat/tokenpay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"go.temporal.io/sdk/temporal"
)

// ReconcileInput identifies the settlement whose outcome is unknown.
type ReconcileInput struct {
	Method           string        `json:"method"`
	PaymentReference string        `json:"payment_reference"`
	PollInterval     time.Duration `json:"poll_interval"`
	MaxAttempts      int           `json:"max_attempts"`
}

// ReconcileResult is the workflow's final verdict.
type ReconcileResult struct {
	Method           string `json:"method"`
	PaymentReference string `json:"payment_reference"`
	Status           string `json:"status"` // completed or failed
	Signature        string `json:"signature,omitempty"`
	Attempts         int    `json:"attempts"`
}

// FindSettlementTransferInput contains parameters for the FindSettlementTransfer activity.
type FindSettlementTransferInput struct {
	Method           string `json:"method"`
	PaymentReference string `json:"payment_reference"`
}

// FindSettlementTransferResult reports what the activity saw on chain.
type FindSettlementTransferResult struct {
	// Resolved is set when the row already left the unknown state, e.g.
	// because the late pipeline result completed it.
	Resolved  bool   `json:"resolved"`
	Status    string `json:"status"`
	Found     bool   `json:"found"`
	Signature string `json:"signature,omitempty"`
	// Failed is set when the submitted transaction landed with an error, so
	// the transfer definitely did not happen.
	Failed bool   `json:"failed,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// MarkReconciledInput contains parameters for the MarkReconciled activity.
type MarkReconciledInput struct {
	Method           string `json:"method"`
	PaymentReference string `json:"payment_reference"`
	Signature        string `json:"signature"`
}

// MarkUnresolvedInput contains parameters for the MarkUnresolved activity.
type MarkUnresolvedInput struct {
	Method           string `json:"method"`
	PaymentReference string `json:"payment_reference"`
	Attempts         int    `json:"attempts"`
	Reason           string `json:"reason,omitempty"`
}

// ErrTypeSignatureClaimed is the application error type MarkReconciled
// returns when the found transaction already settled another payment.
const ErrTypeSignatureClaimed = "SignatureClaimed"

// StoreInterface defines the database operations needed by activities.
// Reconciliation only ever moves rows out of the unknown state.
type StoreInterface interface {
	GetSettlement(ctx context.Context, method, reference string) (*db.Settlement, error)
	SettlementSignatures(ctx context.Context, wallet string, excludeID int64) ([]string, error)
	ResolveUnknownSettlement(ctx context.Context, out db.SettlementOutcome) (*db.Settlement, error)
	FailUnknownSettlement(ctx context.Context, out db.SettlementOutcome) (*db.Settlement, error)
}

// SolanaClientInterface defines the chain reads needed by activities.
type SolanaClientInterface interface {
	FindTransfer(ctx context.Context, params solana.FindTransferParams) (*solana.Transaction, error)
	GetTransfer(ctx context.Context, sig solanago.Signature) (*solana.Transaction, error)
}

// MintReader resolves the token's decimals.
type MintReader interface {
	GetMintInfo(ctx context.Context, mint solanago.PublicKey) (*solana.MintInfo, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishSettlement(ctx context.Context, event *natspkg.SettlementEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	store     StoreInterface
	chain     SolanaClientInterface
	mints     MintReader
	signers   settlement.SignerSource
	mint      solanago.PublicKey
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// publisher and m may be nil.
func NewActivities(
	store StoreInterface,
	chain SolanaClientInterface,
	mints MintReader,
	signers settlement.SignerSource,
	mint solanago.PublicKey,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		chain:     chain,
		mints:     mints,
		signers:   signers,
		mint:      mint,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

func (a *Activities) observe(activity string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, time.Since(start).Seconds())
	}
}

// FindSettlementTransfer looks for the transfer an unknown-outcome settlement
// may have landed: sender token account to recipient token account, exact
// amount, no older than the claim.
func (a *Activities) FindSettlementTransfer(ctx context.Context, input FindSettlementTransferInput) (*FindSettlementTransferResult, error) {
	defer a.observe("FindSettlementTransfer", time.Now())

	st, err := a.store.GetSettlement(ctx, input.Method, input.PaymentReference)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, temporal.NewNonRetryableApplicationError("settlement not found", "NotFound", err)
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	if st.Status != db.StatusUnknown {
		a.logger.InfoContext(ctx, "settlement already resolved",
			"method", st.Method,
			"payment_reference", st.PaymentReference,
			"status", st.Status,
		)
		return &FindSettlementTransferResult{Resolved: true, Status: string(st.Status)}, nil
	}
	if st.Quantity == nil {
		return nil, temporal.NewNonRetryableApplicationError("settlement has no quantity", "MissingQuantity", nil)
	}

	params, err := a.transferParams(ctx, st)
	if err != nil {
		return nil, err
	}

	if st.Signature != nil {
		return a.checkSubmitted(ctx, st, *st.Signature, params)
	}

	// The transaction is not known; scan for it, ignoring transfers that
	// already settled the wallet's other payments.
	params.Exclude, err = a.store.SettlementSignatures(ctx, st.BuyerWallet, st.ID)
	if err != nil {
		return nil, fmt.Errorf("list settlement signatures: %w", err)
	}

	txn, err := a.chain.FindTransfer(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("find transfer: %w", err)
	}
	if txn == nil {
		a.logger.DebugContext(ctx, "no matching transfer yet",
			"payment_reference", st.PaymentReference,
			"amount", params.Amount,
			"excluded", len(params.Exclude),
		)
		return &FindSettlementTransferResult{Status: string(st.Status)}, nil
	}

	a.logger.InfoContext(ctx, "found settlement transfer",
		"payment_reference", st.PaymentReference,
		"signature", txn.Signature,
	)
	return &FindSettlementTransferResult{Status: string(st.Status), Found: true, Signature: txn.Signature}, nil
}

// checkSubmitted looks up the exact transaction the settlement sent. A signed
// transaction lands under its signature or not at all.
func (a *Activities) checkSubmitted(ctx context.Context, st *db.Settlement, signature string, params solana.FindTransferParams) (*FindSettlementTransferResult, error) {
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid recorded signature", "InvalidSignature", err)
	}

	txn, err := a.chain.GetTransfer(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	res := &FindSettlementTransferResult{Status: string(st.Status), Signature: signature}
	switch {
	case txn == nil:
		a.logger.DebugContext(ctx, "submitted transaction not confirmed yet",
			"payment_reference", st.PaymentReference,
			"signature", signature,
		)
		res.Signature = ""
	case txn.Err != nil:
		a.logger.InfoContext(ctx, "submitted transaction failed on chain",
			"payment_reference", st.PaymentReference,
			"signature", signature,
			"error", *txn.Err,
		)
		res.Failed = true
		res.Reason = *txn.Err
	case txn.HasTransfer(params.Source, params.Destination, params.Amount):
		a.logger.InfoContext(ctx, "found settlement transfer",
			"payment_reference", st.PaymentReference,
			"signature", signature,
		)
		res.Found = true
	default:
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("transaction %s does not carry the settlement transfer", signature), "TransferMismatch", nil)
	}
	return res, nil
}

func (a *Activities) transferParams(ctx context.Context, st *db.Settlement) (solana.FindTransferParams, error) {
	var params solana.FindTransferParams

	signer, err := a.signers.Signer()
	if err != nil {
		return params, temporal.NewNonRetryableApplicationError("signer unavailable", "Config", err)
	}
	recipient, err := settlement.ParseAddress(st.BuyerWallet)
	if err != nil {
		return params, temporal.NewNonRetryableApplicationError("invalid buyer wallet", "InvalidAddress", err)
	}

	info, err := a.mints.GetMintInfo(ctx, a.mint)
	if err != nil {
		return params, fmt.Errorf("get mint info: %w", err)
	}
	amount, err := settlement.ToSmallestUnits(*st.Quantity, info.Decimals)
	if err != nil {
		return params, temporal.NewNonRetryableApplicationError("invalid quantity", "InvalidAmount", err)
	}

	source, err := solana.AssociatedTokenAddress(signer.PublicKey(), a.mint)
	if err != nil {
		return params, fmt.Errorf("derive sender account: %w", err)
	}
	destination, err := solana.AssociatedTokenAddress(recipient, a.mint)
	if err != nil {
		return params, fmt.Errorf("derive recipient account: %w", err)
	}

	return solana.FindTransferParams{
		Source:      source,
		Destination: destination,
		Amount:      amount,
		Since:       st.ClaimedAt,
	}, nil
}

// MarkReconciled completes the settlement with the transfer that was found.
func (a *Activities) MarkReconciled(ctx context.Context, input MarkReconciledInput) error {
	defer a.observe("MarkReconciled", time.Now())

	st, err := a.store.ResolveUnknownSettlement(ctx, db.SettlementOutcome{
		Method:           input.Method,
		PaymentReference: input.PaymentReference,
		Signature:        input.Signature,
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Someone else resolved it first.
			a.recordWorkflow("already_resolved")
			return nil
		}
		if errors.Is(err, db.ErrDuplicate) {
			return temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("transaction %s already settled another payment", input.Signature), ErrTypeSignatureClaimed, err)
		}
		return fmt.Errorf("complete settlement: %w", err)
	}

	a.recordWorkflow("reconciled")
	a.publish(ctx, st, natspkg.EventReconciled)
	return nil
}

// MarkUnresolved fails a settlement no transfer could be found for, which
// makes the payment eligible for a fresh claim.
func (a *Activities) MarkUnresolved(ctx context.Context, input MarkUnresolvedInput) error {
	defer a.observe("MarkUnresolved", time.Now())

	reason := input.Reason
	if reason == "" {
		reason = fmt.Sprintf("no matching transfer found after %d attempts", input.Attempts)
	}
	st, err := a.store.FailUnknownSettlement(ctx, db.SettlementOutcome{
		Method:           input.Method,
		PaymentReference: input.PaymentReference,
		Error:            reason,
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			a.recordWorkflow("already_resolved")
			return nil
		}
		return fmt.Errorf("fail settlement: %w", err)
	}

	a.recordWorkflow("unresolved")
	a.publish(ctx, st, natspkg.EventFailed)
	return nil
}

func (a *Activities) recordWorkflow(status string) {
	if a.metrics != nil {
		a.metrics.RecordReconcileWorkflow(status)
	}
}

// publish is best effort; the row is the source of truth.
func (a *Activities) publish(ctx context.Context, st *db.Settlement, eventType string) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishSettlement(ctx, natspkg.FromSettlement(st, eventType)); err != nil {
		a.logger.WarnContext(ctx, "failed to publish settlement event",
			"payment_reference", st.PaymentReference,
			"error", err,
		)
	}
}
