package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/tokenpay/service/db"
	"github.com/brojonat/tokenpay/service/metrics"
	natspkg "github.com/brojonat/tokenpay/service/nats"
	"github.com/brojonat/tokenpay/service/payment"
	"github.com/brojonat/tokenpay/service/settlement"
	"github.com/brojonat/tokenpay/service/temporal"
	"github.com/shopspring/decimal"
)

// errInvalidRequest marks malformed capture input.
var errInvalidRequest = errors.New("invalid request")

// SettlementStore is the persistence the checkout flow needs.
type SettlementStore interface {
	ClaimSettlement(ctx context.Context, params db.ClaimSettlementParams) (*db.Settlement, error)
	ReleaseSettlement(ctx context.Context, method, reference, reason string) error
	CompleteSettlement(ctx context.Context, out db.SettlementOutcome) (*db.Settlement, error)
	FailSettlement(ctx context.Context, out db.SettlementOutcome) (*db.Settlement, error)
	MarkSettlementUnknown(ctx context.Context, out db.SettlementOutcome) (*db.Settlement, error)
	AttachSettlementSignature(ctx context.Context, method, reference, signature string) (*db.Settlement, error)
}

// Settler transfers tokens. *settlement.Service implements it.
type Settler interface {
	Settle(ctx context.Context, recipient string, quantity decimal.Decimal) (*settlement.Receipt, error)
}

// CaptureRequest is the body of a capture call.
type CaptureRequest struct {
	PaymentReference   string          `json:"paymentReference"`
	BuyerWalletAddress string          `json:"buyerWalletAddress"`
	ExpectedUSDAmount  decimal.Decimal `json:"expectedUsdAmount"`
}

// CaptureResult describes a settled payment.
type CaptureResult struct {
	Method               payment.Method
	Wallet               string
	AmountUSD            decimal.Decimal
	Tokens               decimal.Decimal
	TransactionReference string
}

// Checkout turns a verified payment into a token transfer and keeps the
// settlements table in step with what happened.
type Checkout struct {
	store      SettlementStore
	processors *payment.Registry
	settler    Settler
	reconciler temporal.Reconciler
	publisher  natspkg.Publisher
	price      decimal.Decimal
	reconcile  temporal.ReconcileInput
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// CheckoutConfig carries the checkout's dependencies. Reconciler, Publisher
// and Metrics may be nil.
type CheckoutConfig struct {
	Store      SettlementStore
	Processors *payment.Registry
	Settler    Settler
	Reconciler temporal.Reconciler
	Publisher  natspkg.Publisher
	PriceUSD   decimal.Decimal
	Metrics    *metrics.Metrics

	// ReconcileTemplate supplies PollInterval and MaxAttempts for started
	// reconciliations.
	ReconcileTemplate temporal.ReconcileInput
}

// NewCheckout creates the capture flow.
func NewCheckout(cfg CheckoutConfig, logger *slog.Logger) *Checkout {
	return &Checkout{
		store:      cfg.Store,
		processors: cfg.Processors,
		settler:    cfg.Settler,
		reconciler: cfg.Reconciler,
		publisher:  cfg.Publisher,
		price:      cfg.PriceUSD,
		reconcile:  cfg.ReconcileTemplate,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// Methods lists the enabled payment methods.
func (c *Checkout) Methods() []payment.Method { return c.processors.Methods() }

// PriceUSD is the unit token price.
func (c *Checkout) PriceUSD() decimal.Decimal { return c.price }

func validateCapture(req CaptureRequest) error {
	if strings.TrimSpace(req.PaymentReference) == "" {
		return fmt.Errorf("%w: paymentReference is required", errInvalidRequest)
	}
	if _, err := settlement.ParseAddress(req.BuyerWalletAddress); err != nil {
		return err
	}
	if !req.ExpectedUSDAmount.IsPositive() {
		return fmt.Errorf("%w: expectedUsdAmount must be positive", settlement.ErrInvalidAmount)
	}
	return nil
}

// Capture verifies the payment and settles tokens for it. A payment
// reference is claimed before verification so it can be settled at most once.
func (c *Checkout) Capture(ctx context.Context, method payment.Method, req CaptureRequest) (*CaptureResult, error) {
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	req.BuyerWalletAddress = strings.TrimSpace(req.BuyerWalletAddress)
	if err := validateCapture(req); err != nil {
		return nil, err
	}

	processor, err := c.processors.Get(method)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With(
		"method", string(method),
		"payment_reference", req.PaymentReference,
		"wallet", req.BuyerWalletAddress,
	)

	// Bookkeeping must survive the client hanging up.
	bg := context.WithoutCancel(ctx)

	if _, err := c.store.ClaimSettlement(ctx, db.ClaimSettlementParams{
		Method:           string(method),
		PaymentReference: req.PaymentReference,
		BuyerWallet:      req.BuyerWalletAddress,
		ExpectedUSD:      req.ExpectedUSDAmount,
	}); err != nil {
		if errors.Is(err, db.ErrAlreadyClaimed) {
			logger.WarnContext(ctx, "payment reference replayed")
		}
		return nil, err
	}

	conf, err := processor.VerifyPayment(ctx, payment.VerificationRequest{
		Reference:   req.PaymentReference,
		BuyerWallet: req.BuyerWalletAddress,
		ExpectedUSD: req.ExpectedUSDAmount,
	})
	c.recordVerification(method, err)
	if err != nil {
		logger.WarnContext(ctx, "payment verification failed", "error", err)
		if relErr := c.store.ReleaseSettlement(bg, string(method), req.PaymentReference, err.Error()); relErr != nil {
			logger.ErrorContext(ctx, "failed to release settlement claim", "error", relErr)
		}
		return nil, err
	}

	intent, err := settlement.NewIntent(conf, c.price)
	if err != nil {
		c.fail(bg, logger, db.SettlementOutcome{
			Method:           string(method),
			PaymentReference: req.PaymentReference,
			AmountUSD:        conf.AmountUSD,
			Error:            err.Error(),
		})
		return nil, err
	}

	outcome := db.SettlementOutcome{
		Method:           string(method),
		PaymentReference: req.PaymentReference,
		AmountUSD:        conf.AmountUSD,
		Quantity:         intent.Quantity,
	}

	settleCtx := settlement.WithReference(ctx, settlement.Reference{
		Method:    string(method),
		Reference: req.PaymentReference,
	})
	receipt, err := c.settler.Settle(settleCtx, intent.Recipient, intent.Quantity)
	if err != nil {
		outcome.Error = err.Error()
		if settlement.OutcomeUnknown(err) {
			// Reconciliation looks this exact transaction up.
			outcome.Signature = settlement.SubmittedSignature(err)
			c.markUnknown(bg, logger, outcome)
		} else {
			c.fail(bg, logger, outcome)
		}
		return nil, err
	}

	outcome.Signature = receipt.Signature
	c.complete(bg, logger, outcome)

	return &CaptureResult{
		Method:               method,
		Wallet:               receipt.Recipient,
		AmountUSD:            conf.AmountUSD,
		Tokens:               receipt.Quantity,
		TransactionReference: receipt.Signature,
	}, nil
}

// OnLateResult records the outcome of a settlement whose caller already got
// ErrTimeout. Still-unknown outcomes are left to reconciliation.
func (c *Checkout) OnLateResult(ctx context.Context, late settlement.LateResult) {
	logger := c.logger.With(
		"method", late.Reference.Method,
		"payment_reference", late.Reference.Reference,
		"wallet", late.Recipient,
	)
	if late.Reference.Reference == "" {
		logger.WarnContext(ctx, "late settlement result without payment reference", "error", late.Err)
		return
	}

	outcome := db.SettlementOutcome{
		Method:           late.Reference.Method,
		PaymentReference: late.Reference.Reference,
		Quantity:         late.Quantity,
	}
	switch {
	case late.Err == nil:
		outcome.Signature = late.Receipt.Signature
		c.complete(ctx, logger, outcome)
	case settlement.OutcomeUnknown(late.Err):
		logger.WarnContext(ctx, "late settlement result still unknown", "error", late.Err)
		sig := settlement.SubmittedSignature(late.Err)
		if sig == "" {
			return
		}
		if _, err := c.store.AttachSettlementSignature(ctx, outcome.Method, outcome.PaymentReference, sig); err != nil {
			logger.WarnContext(ctx, "failed to record submitted signature", "signature", sig, "error", err)
		}
	default:
		outcome.Error = late.Err.Error()
		c.fail(ctx, logger, outcome)
	}
}

func (c *Checkout) complete(ctx context.Context, logger *slog.Logger, out db.SettlementOutcome) {
	st, err := c.store.CompleteSettlement(ctx, out)
	if err != nil {
		// Tokens moved; the signature in the log is the record of last resort.
		logger.ErrorContext(ctx, "failed to record completed settlement",
			"signature", out.Signature,
			"error", err,
		)
		return
	}
	c.publish(ctx, logger, st, natspkg.EventCompleted)
}

func (c *Checkout) fail(ctx context.Context, logger *slog.Logger, out db.SettlementOutcome) {
	st, err := c.store.FailSettlement(ctx, out)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record failed settlement", "error", err)
		return
	}
	c.publish(ctx, logger, st, natspkg.EventFailed)
}

func (c *Checkout) markUnknown(ctx context.Context, logger *slog.Logger, out db.SettlementOutcome) {
	st, err := c.store.MarkSettlementUnknown(ctx, out)
	if err != nil {
		// Usually the late result already resolved the row.
		logger.WarnContext(ctx, "failed to mark settlement unknown", "error", err)
	} else {
		c.publish(ctx, logger, st, natspkg.EventUnknown)
	}

	if c.reconciler == nil {
		logger.ErrorContext(ctx, "settlement outcome unknown and no reconciler configured")
		return
	}
	input := c.reconcile
	input.Method = out.Method
	input.PaymentReference = out.PaymentReference
	if err := c.reconciler.StartReconcile(ctx, input); err != nil {
		logger.ErrorContext(ctx, "failed to start reconciliation", "error", err)
	}
}

func (c *Checkout) recordVerification(method payment.Method, err error) {
	if c.metrics == nil {
		return
	}
	result := "verified"
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrPaymentNotVerified):
		result = "not_verified"
	case errors.Is(err, payment.ErrProcessorUnavailable):
		result = "unavailable"
	default:
		result = "error"
	}
	c.metrics.RecordPaymentVerification(string(method), result)
}

func (c *Checkout) publish(ctx context.Context, logger *slog.Logger, st *db.Settlement, eventType string) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishSettlement(ctx, natspkg.FromSettlement(st, eventType)); err != nil {
		logger.WarnContext(ctx, "failed to publish settlement event", "error", err)
	}
}
