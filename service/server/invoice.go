package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/brojonat/tokenpay/service/settlement"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

// USDCConfig describes where on-chain USDC payments go.
type USDCConfig struct {
	USDCMint       string          `json:"usdcMint"`
	ReceiverWallet string          `json:"receiverWallet"`
	TokenPriceUSD  decimal.Decimal `json:"tokenPriceUsd"`
	Network        string          `json:"network"`
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
	PaymentURL     string      `json:"paymentUrl"` // Solana Pay URL for wallet apps
	QRCodeData     string      `json:"qrCodeData"` // Base64 encoded PNG
	CreatedAt      time.Time   `json:"createdAt"`
}

// memoPrefix tags USDC payments made from an invoice.
const memoPrefix = "tokenpay:"

// generateInvoice creates a Solana Pay invoice for amountUSD of USDC.
func generateInvoice(cfg USDCConfig, buyerWallet string, amountUSD decimal.Decimal) (Invoice, error) {
	tokens, err := settlement.TokensForUSD(amountUSD, cfg.TokenPriceUSD)
	if err != nil {
		return Invoice{}, err
	}
	if !tokens.IsPositive() {
		return Invoice{}, fmt.Errorf("%w: %s USD buys no tokens at %s each",
			settlement.ErrInvalidAmount, amountUSD, cfg.TokenPriceUSD)
	}

	id := uuid.New().String()
	memo := memoPrefix + id
	paymentURL := buildSolanaPayURL(cfg.ReceiverWallet, amountUSD, cfg.USDCMint, memo)

	qrCodeData, err := generateQRCode(paymentURL)
	if err != nil {
		// The URL alone is still usable.
		qrCodeData = ""
	}

	return Invoice{
		ID:             id,
		BuyerWallet:    buyerWallet,
		ReceiverWallet: cfg.ReceiverWallet,
		USDCMint:       cfg.USDCMint,
		Network:        cfg.Network,
		AmountUSD:      amountUSD.StringFixed(2),
		Tokens:         json.Number(tokens.String()),
		Memo:           memo,
		PaymentURL:     paymentURL,
		QRCodeData:     qrCodeData,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// buildSolanaPayURL creates a Solana Pay transfer request URL.
// Format: solana:{recipient}?amount={amount}&spl-token={mint}&memo={memo}&label={label}&message={message}
func buildSolanaPayURL(recipient string, amount decimal.Decimal, mint, memo string) string {
	params := url.Values{}
	params.Set("amount", amount.String())
	params.Set("spl-token", mint)
	params.Set("memo", memo)
	params.Set("label", "Tokenpay")
	params.Set("message", "Token purchase")

	return fmt.Sprintf("solana:%s?%s", recipient, params.Encode())
}

// generateQRCode creates a QR code image from a payment URL and returns it as base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}

// handleUSDCConfig returns the USDC payment parameters.
// GET /api/v1/usdc/config
func handleUSDCConfig(cfg USDCConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cfg, http.StatusOK)
	})
}

type invoiceRequest struct {
	BuyerWalletAddress string          `json:"buyerWalletAddress"`
	USDAmount          decimal.Decimal `json:"usdAmount"`
}

// handleUSDCInvoice creates a Solana Pay invoice.
// POST /api/v1/usdc/invoice
func handleUSDCInvoice(cfg USDCConfig, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invoiceRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if _, err := settlement.ParseAddress(req.BuyerWalletAddress); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !req.USDAmount.IsPositive() {
			writeError(w, "usdAmount must be positive", http.StatusBadRequest)
			return
		}

		invoice, err := generateInvoice(cfg, req.BuyerWalletAddress, req.USDAmount)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}

		logger.InfoContext(r.Context(), "usdc invoice created",
			"invoice_id", invoice.ID,
			"wallet", invoice.BuyerWallet,
			"usd_amount", invoice.AmountUSD,
			"tokens", invoice.Tokens.String(),
		)
		writeJSON(w, invoice, http.StatusCreated)
	})
}
