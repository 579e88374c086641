package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// WalletMetadataKey is the PaymentIntent metadata key the checkout page sets
// to the buyer's wallet.
const WalletMetadataKey = "wallet"

// intentGetter is the part of the Stripe PaymentIntents client we use.
type intentGetter interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProcessor verifies card payments captured as Stripe PaymentIntents.
type StripeProcessor struct {
	intents   intentGetter
	tolerance decimal.Decimal
	logger    *slog.Logger
}

// NewStripeProcessor creates a card processor using the given secret key.
func NewStripeProcessor(secretKey string, tolerance decimal.Decimal, logger *slog.Logger) *StripeProcessor {
	sc := client.New(secretKey, nil)
	return newStripeProcessor(sc.PaymentIntents, tolerance, logger)
}

func newStripeProcessor(intents intentGetter, tolerance decimal.Decimal, logger *slog.Logger) *StripeProcessor {
	return &StripeProcessor{intents: intents, tolerance: tolerance, logger: logger}
}

func (p *StripeProcessor) Method() Method { return MethodCard }

// VerifyPayment retrieves the PaymentIntent and checks it succeeded in USD for
// the expected amount. If the intent carries a wallet in its metadata it must
// match the buyer's wallet.
func (p *StripeProcessor) VerifyPayment(ctx context.Context, req VerificationRequest) (*Confirmation, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := p.intents.Get(req.Reference, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode > 0 && stripeErr.HTTPStatusCode < http.StatusInternalServerError {
			if stripeErr.HTTPStatusCode != http.StatusNotFound {
				p.logger.WarnContext(ctx, "stripe rejected payment intent lookup",
					"payment_intent", req.Reference,
					"code", stripeErr.Code,
					"status", stripeErr.HTTPStatusCode,
				)
			}
			return nil, fmt.Errorf("%w: payment intent %s: %s", ErrPaymentNotVerified, req.Reference, stripeErr.Msg)
		}
		return nil, fmt.Errorf("%w: retrieve payment intent: %w", ErrProcessorUnavailable, err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment intent status is %s", ErrPaymentNotVerified, intent.Status)
	}
	if intent.Currency != stripe.CurrencyUSD {
		return nil, fmt.Errorf("%w: unexpected currency %s", ErrPaymentNotVerified, intent.Currency)
	}
	if wallet := intent.Metadata[WalletMetadataKey]; wallet != "" && wallet != req.BuyerWallet {
		return nil, fmt.Errorf("%w: payment intent was made for a different wallet", ErrPaymentNotVerified)
	}

	received := decimal.New(intent.AmountReceived, -2)
	if err := checkAmount(received, req.ExpectedUSD, p.tolerance); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "card payment verified",
		"payment_intent", intent.ID,
		"amount_usd", received.String(),
	)

	return &Confirmation{
		AmountUSD:       received,
		PayerWallet:     req.BuyerWallet,
		SourceReference: intent.ID,
		Method:          MethodCard,
	}, nil
}
