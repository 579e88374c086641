package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/tokenpay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// TransactionFetcher loads a confirmed transaction by signature.
type TransactionFetcher interface {
	FetchTransaction(ctx context.Context, sig solanago.Signature) (*rpc.GetTransactionResult, error)
}

// USDCProcessor verifies on-chain USDC payments. The payment reference is the
// transaction signature; the funds must land in the receiving wallet's
// account for the configured USDC mint.
type USDCProcessor struct {
	fetcher   TransactionFetcher
	receiver  solanago.PublicKey
	mint      solanago.PublicKey
	tolerance decimal.Decimal
	logger    *slog.Logger
}

// NewUSDCProcessor creates an on-chain USDC processor.
func NewUSDCProcessor(fetcher TransactionFetcher, receiver, mint solanago.PublicKey, tolerance decimal.Decimal, logger *slog.Logger) *USDCProcessor {
	return &USDCProcessor{
		fetcher:   fetcher,
		receiver:  receiver,
		mint:      mint,
		tolerance: tolerance,
		logger:    logger,
	}
}

func (p *USDCProcessor) Method() Method { return MethodUSDC }

func (p *USDCProcessor) VerifyPayment(ctx context.Context, req VerificationRequest) (*Confirmation, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	sig, err := solanago.SignatureFromBase58(req.Reference)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed transaction signature", ErrPaymentNotVerified)
	}

	result, err := p.fetcher.FetchTransaction(ctx, sig)
	if err != nil {
		if errors.Is(err, solana.ErrTransactionNotFound) {
			return nil, fmt.Errorf("%w: transaction not found", ErrPaymentNotVerified)
		}
		return nil, fmt.Errorf("%w: fetch transaction: %w", ErrProcessorUnavailable, err)
	}
	if result.Meta == nil || result.Meta.Err != nil {
		return nil, fmt.Errorf("%w: transaction failed on chain", ErrPaymentNotVerified)
	}

	change, ok, err := solana.ReceivedBy(result, p.receiver, p.mint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymentNotVerified, err)
	}
	if !ok || change.Delta <= 0 {
		return nil, fmt.Errorf("%w: no USDC transfer to the receiving wallet in this transaction", ErrPaymentNotVerified)
	}

	received := decimal.New(change.Delta, -int32(change.Decimals))
	if err := checkAmount(received, req.ExpectedUSD, p.tolerance); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "usdc payment verified",
		"signature", req.Reference,
		"amount_usd", received.String(),
		"receiver", p.receiver.String(),
	)

	return &Confirmation{
		AmountUSD:       received,
		PayerWallet:     req.BuyerWallet,
		SourceReference: req.Reference,
		Method:          MethodUSDC,
	}, nil
}
