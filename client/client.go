// Package client is the HTTP client for the tokenpay service.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// CaptureRequest is what the buyer claims to have paid.
type CaptureRequest struct {
	PaymentReference   string `json:"paymentReference"`
	BuyerWalletAddress string `json:"buyerWalletAddress"`
	ExpectedUSDAmount  string `json:"expectedUsdAmount"`
}

// CaptureResult is the server's answer to a successful capture.
type CaptureResult struct {
	Status               string      `json:"status"`
	Tokens               json.Number `json:"tokens"`
	Wallet               string      `json:"wallet"`
	TransactionReference string      `json:"transactionReference"`
	Method               string      `json:"method"`
	AmountUSD            string      `json:"amountUsd"`
}

// Methods lists the enabled payment methods.
type Methods struct {
	Methods       []string `json:"methods"`
	TokenPriceUSD string   `json:"tokenPriceUsd"`
}

// Order is a PayPal order awaiting buyer approval.
type Order struct {
	ID          string `json:"orderId"`
	ApprovalURL string `json:"approvalUrl"`
}

// USDCConfig describes where on-chain USDC payments go.
type USDCConfig struct {
	USDCMint       string `json:"usdcMint"`
	ReceiverWallet string `json:"receiverWallet"`
	TokenPriceUSD  string `json:"tokenPriceUsd"`
	Network        string `json:"network"`
}

// Invoice is a Solana Pay request for a USDC purchase.
type Invoice struct {
	ID             string      `json:"id"`
	BuyerWallet    string      `json:"buyerWalletAddress"`
	ReceiverWallet string      `json:"receiverWallet"`
	USDCMint       string      `json:"usdcMint"`
	Network        string      `json:"network"`
	AmountUSD      string      `json:"usdAmount"`
	Tokens         json.Number `json:"tokens"`
	Memo           string      `json:"memo"`
	PaymentURL     string      `json:"paymentUrl"`
	QRCodeData     string      `json:"qrCodeData"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Settlement is one payment's token settlement record.
type Settlement struct {
	ID               int64      `json:"id"`
	Method           string     `json:"method"`
	PaymentReference string     `json:"payment_reference"`
	BuyerWallet      string     `json:"buyer_wallet"`
	ExpectedUSD      string     `json:"expected_usd"`
	AmountUSD        *string    `json:"amount_usd,omitempty"`
	Quantity         *string    `json:"quantity,omitempty"`
	Status           string     `json:"status"`
	Signature        *string    `json:"signature,omitempty"`
	Error            *string    `json:"error,omitempty"`
	Attempts         int32      `json:"attempts"`
	ClaimedAt        time.Time  `json:"claimed_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SettlementEvent is a settlement state change streamed over SSE.
type SettlementEvent struct {
	Type             string    `json:"type"`
	Method           string    `json:"method"`
	PaymentReference string    `json:"payment_reference"`
	Wallet           string    `json:"wallet"`
	AmountUSD        string    `json:"amount_usd,omitempty"`
	Tokens           string    `json:"tokens,omitempty"`
	Signature        string    `json:"signature,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of an *APIError in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client is the HTTP client for the tokenpay service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new tokenpay client. The default HTTP client's timeout
// outlasts a server-side settlement timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Capture verifies a payment made with method and settles tokens for it.
func (c *Client) Capture(ctx context.Context, method string, req CaptureRequest) (*CaptureResult, error) {
	var result CaptureResult
	path := "/api/v1/payments/" + url.PathEscape(method) + "/capture"
	if err := c.do(ctx, http.MethodPost, path, req, http.StatusOK, &result); err != nil {
		return nil, err
	}
	c.logger.Debug("payment captured",
		"method", method,
		"payment_reference", req.PaymentReference,
		"tokens", result.Tokens.String(),
		"signature", result.TransactionReference,
	)
	return &result, nil
}

// Methods returns the enabled payment methods and the token price.
func (c *Client) Methods(ctx context.Context) (*Methods, error) {
	var methods Methods
	if err := c.do(ctx, http.MethodGet, "/api/v1/payments/methods", nil, http.StatusOK, &methods); err != nil {
		return nil, err
	}
	return &methods, nil
}

// CreatePayPalOrder creates a PayPal order for amountUSD.
func (c *Client) CreatePayPalOrder(ctx context.Context, amountUSD, buyerWallet string) (*Order, error) {
	body := map[string]string{"amount": amountUSD, "buyerWalletAddress": buyerWallet}
	var order Order
	if err := c.do(ctx, http.MethodPost, "/api/v1/paypal/orders", body, http.StatusCreated, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// USDCConfig returns the USDC payment parameters.
func (c *Client) USDCConfig(ctx context.Context) (*USDCConfig, error) {
	var cfg USDCConfig
	if err := c.do(ctx, http.MethodGet, "/api/v1/usdc/config", nil, http.StatusOK, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// USDCInvoice creates a Solana Pay invoice for amountUSD of USDC.
func (c *Client) USDCInvoice(ctx context.Context, buyerWallet, amountUSD string) (*Invoice, error) {
	body := map[string]string{"buyerWalletAddress": buyerWallet, "usdAmount": amountUSD}
	var invoice Invoice
	if err := c.do(ctx, http.MethodPost, "/api/v1/usdc/invoice", body, http.StatusCreated, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// ListSettlements returns recent settlements, optionally filtered by status.
func (c *Client) ListSettlements(ctx context.Context, status string, limit int) ([]*Settlement, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := "/api/v1/settlements"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var response struct {
		Settlements []*Settlement `json:"settlements"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Settlements, nil
}

// GetSettlement returns the settlement for a payment reference.
func (c *Client) GetSettlement(ctx context.Context, method, reference string) (*Settlement, error) {
	var st Settlement
	path := "/api/v1/settlements/" + url.PathEscape(method) + "/" + url.PathEscape(reference)
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health checks that the server is up and its database reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// Await streams settlement events for wallet and returns the first one
// matcher accepts. It blocks until a match, ctx is done or the stream ends.
func (c *Client) Await(ctx context.Context, wallet string, matcher func(*SettlementEvent) bool) (*SettlementEvent, error) {
	path := "/api/v1/stream/settlements"
	if wallet != "" {
		path += "/" + url.PathEscape(wallet)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the default client's timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if eventName != "settlement" {
				continue
			}
			var event SettlementEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				c.logger.Warn("failed to decode settlement event", "error", err)
				continue
			}
			if matcher == nil || matcher(&event) {
				return &event, nil
			}
		case line == "":
			eventName = ""
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream failed: %w", err)
	}
	return nil, errors.New("stream closed before a matching settlement")
}

// do sends a JSON request and decodes a JSON response with status want.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, want int, dst interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
// JSON bodies carry the message in "error"; anything else is returned as text.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "error").String(); msg != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: msg}
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
