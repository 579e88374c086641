package server

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/brojonat/tokenpay/service/config"
	"github.com/brojonat/tokenpay/service/settlement"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUSDCConfig() USDCConfig {
	return USDCConfig{
		USDCMint:       config.MainnetUSDCMint,
		ReceiverWallet: otherWallet,
		TokenPriceUSD:  decimal.RequireFromString("0.015"),
		Network:        "mainnet-beta",
	}
}

func TestGenerateInvoice(t *testing.T) {
	cfg := testUSDCConfig()

	invoice, err := generateInvoice(cfg, buyerWallet, decimal.RequireFromString("10"))
	require.NoError(t, err)

	assert.NotEmpty(t, invoice.ID)
	assert.Equal(t, memoPrefix+invoice.ID, invoice.Memo)
	assert.Equal(t, "10.00", invoice.AmountUSD)
	assert.Equal(t, "666", invoice.Tokens.String())
	assert.Equal(t, buyerWallet, invoice.BuyerWallet)
	assert.Equal(t, otherWallet, invoice.ReceiverWallet)
	assert.False(t, invoice.CreatedAt.IsZero())

	// Payment URL follows the Solana Pay transfer request format.
	require.True(t, strings.HasPrefix(invoice.PaymentURL, "solana:"+otherWallet+"?"), invoice.PaymentURL)
	parsed, err := url.Parse(invoice.PaymentURL)
	require.NoError(t, err)
	assert.Equal(t, "solana", parsed.Scheme)
	assert.Equal(t, otherWallet, parsed.Opaque)
	query := parsed.Query()
	assert.Equal(t, "10", query.Get("amount"))
	assert.Equal(t, config.MainnetUSDCMint, query.Get("spl-token"))
	assert.Equal(t, invoice.Memo, query.Get("memo"))

	// QR code is a decodable PNG.
	raw, err := base64.StdEncoding.DecodeString(invoice.QRCodeData)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
}

func TestGenerateInvoice_Unique(t *testing.T) {
	cfg := testUSDCConfig()
	a, err := generateInvoice(cfg, buyerWallet, decimal.NewFromInt(1))
	require.NoError(t, err)
	b, err := generateInvoice(cfg, buyerWallet, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.NotEqual(t, a.Memo, b.Memo)
}

func TestGenerateInvoice_BelowOneToken(t *testing.T) {
	_, err := generateInvoice(testUSDCConfig(), buyerWallet, decimal.RequireFromString("0.01"))
	require.ErrorIs(t, err, settlement.ErrInvalidAmount)
}

func TestHandleUSDCConfig(t *testing.T) {
	rec := httptest.NewRecorder()
	handleUSDCConfig(testUSDCConfig()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/usdc/config", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, config.MainnetUSDCMint, body["usdcMint"])
	assert.Equal(t, otherWallet, body["receiverWallet"])
	assert.Equal(t, "0.015", body["tokenPriceUsd"])
	assert.Equal(t, "mainnet-beta", body["network"])
}

func TestHandleUSDCInvoice(t *testing.T) {
	h := handleUSDCInvoice(testUSDCConfig(), testLogger())
	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/usdc/invoice", strings.NewReader(body)))
		return rec
	}

	rec := post(fmt.Sprintf(`{"buyerWalletAddress":%q,"usdAmount":"3"}`, buyerWallet))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(200), body["tokens"])
	assert.Equal(t, "3.00", body["usdAmount"])
	assert.NotEmpty(t, body["paymentUrl"])
	assert.NotEmpty(t, body["qrCodeData"])

	tests := []struct {
		name string
		body string
	}{
		{"bad wallet", `{"buyerWalletAddress":"x","usdAmount":3}`},
		{"zero amount", fmt.Sprintf(`{"buyerWalletAddress":%q,"usdAmount":0}`, buyerWallet)},
		{"below one token", fmt.Sprintf(`{"buyerWalletAddress":%q,"usdAmount":0.01}`, buyerWallet)},
		{"malformed", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, post(tt.body).Code)
		})
	}
}

func TestUSDCRoutesDisabledWithoutReceiver(t *testing.T) {
	f := newCheckoutFixture(t)
	cfg := testConfig(t)
	cfg.ReceiverWallet = ""
	h := New(cfg, Deps{Checkout: f.checkout}, testLogger()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/usdc/config", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
