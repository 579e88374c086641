package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"
)

const (
	PayPalSandboxURL = paypal.APIBaseSandBox
	PayPalLiveURL    = paypal.APIBaseLive
)

// PayPalBaseURL maps PAYPAL_ENVIRONMENT to the REST API root.
func PayPalBaseURL(environment string) string {
	if environment == "live" {
		return PayPalLiveURL
	}
	return PayPalSandboxURL
}

// PayPalConfig configures a PayPalProcessor.
type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	FrontendURL  string
	Tolerance    decimal.Decimal
	HTTPClient   *http.Client
}

// PayPalProcessor creates and captures PayPal orders. The SDK client caches
// the OAuth token and refreshes it before expiry.
type PayPalProcessor struct {
	cfg    PayPalConfig
	client *paypal.Client
	logger *slog.Logger
}

// NewPayPalProcessor creates a PayPal processor.
func NewPayPalProcessor(cfg PayPalConfig, logger *slog.Logger) (*PayPalProcessor, error) {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client, err := paypal.NewClient(cfg.ClientID, cfg.ClientSecret, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create paypal client: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	client.SetHTTPClient(httpClient)
	client.SetReturnRepresentation()

	return &PayPalProcessor{cfg: cfg, client: client, logger: logger}, nil
}

func (p *PayPalProcessor) Method() Method { return MethodPayPal }

// Order is a created PayPal order awaiting buyer approval.
type Order struct {
	ID          string `json:"orderId"`
	ApprovalURL string `json:"approvalUrl"`
}

// CreateOrder creates a CAPTURE order for amount USD. The buyer's wallet is
// stored in the purchase unit's custom_id so capture can recover it.
func (p *PayPalProcessor) CreateOrder(ctx context.Context, amount decimal.Decimal, buyerWallet string) (*Order, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("invalid amount %s", amount)
	}
	if buyerWallet == "" {
		return nil, fmt.Errorf("wallet address required")
	}

	created, err := p.client.CreateOrder(ctx, paypal.OrderIntentCapture,
		[]paypal.PurchaseUnitRequest{{
			Amount: &paypal.PurchaseUnitAmount{
				Currency: "USD",
				Value:    amount.StringFixed(2),
			},
			CustomID: buyerWallet,
		}},
		nil,
		&paypal.ApplicationContext{
			ReturnURL: p.cfg.FrontendURL + "/success",
			CancelURL: p.cfg.FrontendURL + "/cancel",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", classifyPayPal(err))
	}

	order := &Order{ID: created.ID}
	for _, link := range created.Links {
		if link.Rel == "approve" {
			order.ApprovalURL = link.Href
		}
	}
	if order.ID == "" || order.ApprovalURL == "" {
		return nil, fmt.Errorf("create order: malformed paypal response")
	}

	p.logger.InfoContext(ctx, "paypal order created",
		"order_id", order.ID,
		"amount_usd", amount.StringFixed(2),
		"wallet", buyerWallet,
	)
	return order, nil
}

// capturedOrder is the part of a capture or order response verification reads.
type capturedOrder struct {
	status   string
	capture  *paypal.CaptureAmount
	customID string
}

// VerifyPayment captures the order (or reads it back if it was already
// captured) and checks it completed for the expected amount and wallet.
func (p *PayPalProcessor) VerifyPayment(ctx context.Context, req VerificationRequest) (*Confirmation, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	orderID := url.PathEscape(req.Reference)

	order, err := p.capture(ctx, orderID)
	if err != nil && hasIssue(err, "ORDER_ALREADY_CAPTURED") {
		order, err = p.readBack(ctx, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", req.Reference, classifyPayPal(err))
	}

	if order.status != "COMPLETED" {
		return nil, fmt.Errorf("%w: order status is %s", ErrPaymentNotVerified, order.status)
	}
	if order.capture == nil || order.capture.Amount == nil {
		return nil, fmt.Errorf("%w: order has no capture", ErrPaymentNotVerified)
	}
	if c := order.capture.Amount.Currency; c != "USD" {
		return nil, fmt.Errorf("%w: unexpected currency %s", ErrPaymentNotVerified, c)
	}
	received, err := decimal.NewFromString(order.capture.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable capture amount", ErrPaymentNotVerified)
	}

	wallet := order.capture.CustomID
	if wallet == "" {
		wallet = order.customID
	}
	if wallet == "" {
		return nil, fmt.Errorf("%w: wallet address not found in order", ErrPaymentNotVerified)
	}
	if req.BuyerWallet != "" && wallet != req.BuyerWallet {
		return nil, fmt.Errorf("%w: order was made for a different wallet", ErrPaymentNotVerified)
	}

	if err := checkAmount(received, req.ExpectedUSD, p.cfg.Tolerance); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "paypal payment verified",
		"order_id", req.Reference,
		"capture_id", order.capture.ID,
		"amount_usd", received.String(),
	)

	return &Confirmation{
		AmountUSD:       received,
		PayerWallet:     wallet,
		SourceReference: req.Reference,
		Method:          MethodPayPal,
	}, nil
}

func (p *PayPalProcessor) capture(ctx context.Context, orderID string) (*capturedOrder, error) {
	resp, err := p.client.CaptureOrder(ctx, orderID, paypal.CaptureOrderRequest{})
	if err != nil {
		return nil, err
	}
	out := &capturedOrder{status: resp.Status}
	if len(resp.PurchaseUnits) > 0 {
		out.capture = firstCapture(resp.PurchaseUnits[0].Payments)
	}
	return out, nil
}

func (p *PayPalProcessor) readBack(ctx context.Context, orderID string) (*capturedOrder, error) {
	order, err := p.client.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	out := &capturedOrder{status: order.Status}
	if len(order.PurchaseUnits) > 0 {
		unit := order.PurchaseUnits[0]
		out.capture = firstCapture(unit.Payments)
		out.customID = unit.CustomID
	}
	return out, nil
}

func firstCapture(payments *paypal.CapturedPayments) *paypal.CaptureAmount {
	if payments == nil || len(payments.Captures) == 0 {
		return nil
	}
	return &payments.Captures[0]
}

func hasIssue(err error, issue string) bool {
	var errResp *paypal.ErrorResponse
	if !errors.As(err, &errResp) {
		return false
	}
	for _, d := range errResp.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// classifyPayPal maps SDK errors onto the processor taxonomy: PayPal 4xx
// answers are ErrPaymentNotVerified, everything else is ErrProcessorUnavailable.
// Authentication failures count as unavailable since the buyer cannot fix them.
func classifyPayPal(err error) error {
	var errResp *paypal.ErrorResponse
	if !errors.As(err, &errResp) {
		return fmt.Errorf("%w: %w", ErrProcessorUnavailable, err)
	}
	if errResp.Response == nil {
		return fmt.Errorf("%w: %s", ErrProcessorUnavailable, paypalMessage(errResp))
	}
	status := errResp.Response.StatusCode
	if status >= 500 || status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: paypal returned %d", ErrProcessorUnavailable, status)
	}
	return fmt.Errorf("%w: %s", ErrPaymentNotVerified, paypalMessage(errResp))
}

func paypalMessage(errResp *paypal.ErrorResponse) string {
	if len(errResp.Details) > 0 && errResp.Details[0].Issue != "" {
		return errResp.Details[0].Issue
	}
	if errResp.Message != "" {
		return errResp.Message
	}
	return "unknown error"
}
