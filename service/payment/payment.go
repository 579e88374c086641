// Package payment verifies that a buyer actually paid before any tokens move.
// Each processor (card, on-chain USDC, PayPal) turns an external payment
// reference into a Confirmation or fails with ErrPaymentNotVerified.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrPaymentNotVerified means the processor answered and the payment is
	// missing, incomplete, for the wrong amount or paid to the wrong place.
	ErrPaymentNotVerified = errors.New("payment not verified")

	// ErrProcessorUnavailable means the processor could not be asked.
	ErrProcessorUnavailable = errors.New("payment processor unavailable")

	// ErrUnknownMethod is returned for a method with no configured processor.
	ErrUnknownMethod = errors.New("unknown payment method")
)

// Method identifies a payment rail.
type Method string

const (
	MethodCard   Method = "card"
	MethodUSDC   Method = "usdc"
	MethodPayPal Method = "paypal"
)

// ParseMethod validates a method name from a URL or flag.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodCard, MethodUSDC, MethodPayPal:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// VerificationRequest is what the buyer claims to have paid.
type VerificationRequest struct {
	Reference   string
	BuyerWallet string
	ExpectedUSD decimal.Decimal
}

// Confirmation is a payment the processor has verified.
type Confirmation struct {
	AmountUSD       decimal.Decimal
	PayerWallet     string
	SourceReference string
	Method          Method
}

// Processor verifies payments for a single method.
type Processor interface {
	Method() Method
	VerifyPayment(ctx context.Context, req VerificationRequest) (*Confirmation, error)
}

// WithinTolerance reports whether received is within tolerance (a fraction)
// of expected, in either direction.
func WithinTolerance(received, expected, tolerance decimal.Decimal) bool {
	allowed := expected.Abs().Mul(tolerance)
	return received.Sub(expected).Abs().LessThanOrEqual(allowed)
}

func checkAmount(received, expected, tolerance decimal.Decimal) error {
	if !WithinTolerance(received, expected, tolerance) {
		return fmt.Errorf("%w: expected %s USD, received %s USD",
			ErrPaymentNotVerified, expected.StringFixed(2), received.String())
	}
	return nil
}

func validateRequest(req VerificationRequest) error {
	if strings.TrimSpace(req.Reference) == "" {
		return fmt.Errorf("%w: payment reference is required", ErrPaymentNotVerified)
	}
	if !req.ExpectedUSD.IsPositive() {
		return fmt.Errorf("%w: expected amount must be positive", ErrPaymentNotVerified)
	}
	return nil
}

// Registry holds the configured processors by method.
type Registry struct {
	processors map[Method]Processor
}

// NewRegistry indexes processors by their method. Nil processors are skipped
// so callers can pass optional processors unconditionally.
func NewRegistry(processors ...Processor) *Registry {
	r := &Registry{processors: make(map[Method]Processor)}
	for _, p := range processors {
		if p == nil {
			continue
		}
		r.processors[p.Method()] = p
	}
	return r
}

// Get returns the processor for method or ErrUnknownMethod.
func (r *Registry) Get(method Method) (Processor, error) {
	p, ok := r.processors[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not enabled", ErrUnknownMethod, method)
	}
	return p, nil
}

// Methods lists the enabled methods in a stable order.
func (r *Registry) Methods() []Method {
	methods := make([]Method, 0, len(r.processors))
	for m := range r.processors {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}
