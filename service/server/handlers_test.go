package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/tokenpay/service/config"
	"github.com/brojonat/tokenpay/service/db"
	"github.com/brojonat/tokenpay/service/payment"
	"github.com/brojonat/tokenpay/service/settlement"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		ServerAddr:        ":0",
		FrontendURL:       "http://localhost:5174",
		UploadsDir:        t.TempDir(),
		SolanaNetwork:     "devnet",
		USDCMintAddress:   config.MainnetUSDCMint,
		ReceiverWallet:    otherWallet,
		TokenPriceUSD:     decimal.RequireFromString("0.015"),
		SettlementTimeout: 30 * time.Second,
	}
}

type serverFixture struct {
	*checkoutFixture
	handler http.Handler
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := newCheckoutFixture(t)
	srv := New(testConfig(t), Deps{
		Checkout:    f.checkout,
		Settlements: f.store,
	}, testLogger())
	return &serverFixture{checkoutFixture: f, handler: srv.Handler()}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func captureBody(ref, usd string) string {
	return fmt.Sprintf(`{"paymentReference":%q,"buyerWalletAddress":%q,"expectedUsdAmount":%s}`, ref, buyerWallet, usd)
}

func TestHandleCapture_Success(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/payments/card/capture", captureBody("pi_1", "10"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "succeeded", body["status"])
	assert.Equal(t, float64(666), body["tokens"])
	assert.Equal(t, buyerWallet, body["wallet"])
	assert.Equal(t, "5sigpi_1", body["transactionReference"])
}

func TestHandleCapture_Alias(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/payment/capture", captureBody("pi_alias", "1.50"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(100), decodeBody(t, rec)["tokens"])

	_, err := f.store.GetSettlement(t.Context(), "card", "pi_alias")
	require.NoError(t, err)
}

func TestHandleCapture_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		verifyErr  error
		settleErr  error
		wantStatus int
		wantError  string
	}{
		{
			name:       "malformed JSON",
			path:       "/api/v1/payments/card/capture",
			body:       `{"paymentReference":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "request body too large",
			path:       "/api/v1/payments/card/capture",
			body:       `{"paymentReference":"` + strings.Repeat("A", 2<<20) + `"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "request body too large",
		},
		{
			name:       "missing reference",
			path:       "/api/v1/payments/card/capture",
			body:       captureBody("", "10"),
			wantStatus: http.StatusBadRequest,
			wantError:  "paymentReference is required",
		},
		{
			name:       "invalid wallet",
			path:       "/api/v1/payments/card/capture",
			body:       `{"paymentReference":"pi_1","buyerWalletAddress":"nope","expectedUsdAmount":10}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid recipient address",
		},
		{
			name:       "non-positive amount",
			path:       "/api/v1/payments/card/capture",
			body:       captureBody("pi_1", "0"),
			wantStatus: http.StatusBadRequest,
			wantError:  "expectedUsdAmount must be positive",
		},
		{
			name:       "unknown method",
			path:       "/api/v1/payments/bitcoin/capture",
			body:       captureBody("pi_1", "10"),
			wantStatus: http.StatusNotFound,
			wantError:  "unknown payment method",
		},
		{
			name:       "method not enabled",
			path:       "/api/v1/payments/paypal/capture",
			body:       captureBody("ORDER-1", "10"),
			wantStatus: http.StatusNotFound,
			wantError:  "not enabled",
		},
		{
			name:       "payment not verified",
			path:       "/api/v1/payments/card/capture",
			body:       captureBody("pi_1", "10"),
			verifyErr:  fmt.Errorf("%w: amount mismatch", payment.ErrPaymentNotVerified),
			wantStatus: http.StatusPaymentRequired,
			wantError:  "payment not verified",
		},
		{
			name:       "processor unavailable",
			path:       "/api/v1/payments/card/capture",
			body:       captureBody("pi_1", "10"),
			verifyErr:  fmt.Errorf("%w: stripe 503", payment.ErrProcessorUnavailable),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "settlement timeout",
			path:       "/api/v1/payments/card/capture",
			body:       captureBody("pi_1", "10"),
			settleErr:  settlement.ErrTimeout,
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "settlement timed out",
		},
		{
			name:       "insufficient balance",
			path:       "/api/v1/payments/card/capture",
			body:       captureBody("pi_1", "10"),
			settleErr:  fmt.Errorf("%w: have 1, need 666", settlement.ErrInsufficientBalance),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "ledger rejected",
			path:       "/api/v1/payments/card/capture",
			body:       captureBody("pi_1", "10"),
			settleErr:  fmt.Errorf("%w: blockhash not found", settlement.ErrLedgerRejected),
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "ledger unavailable",
			path:       "/api/v1/payments/card/capture",
			body:       captureBody("pi_1", "10"),
			settleErr:  fmt.Errorf("%w: dial tcp", settlement.ErrLedgerUnavailable),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "missing key config is reported",
			path:       "/api/v1/payments/card/capture",
			body:       captureBody("pi_1", "10"),
			settleErr:  fmt.Errorf("%w: no signing key configured", settlement.ErrConfig),
			wantStatus: http.StatusInternalServerError,
			wantError:  "no signing key configured",
		},
		{
			name:       "unexpected errors are hidden",
			path:       "/api/v1/payments/card/capture",
			body:       captureBody("pi_1", "10"),
			settleErr:  errors.New("boom: secret detail"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t)
			f.card.err = tt.verifyErr
			f.settler.err = tt.settleErr

			rec := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			body := decodeBody(t, rec)
			require.Contains(t, body, "error")
			if tt.wantError != "" {
				assert.Contains(t, body["error"], tt.wantError)
			}
			assert.NotContains(t, rec.Body.String(), "secret detail")
		})
	}
}

func TestHandleCapture_Replay(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/payments/card/capture", captureBody("pi_1", "10"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/payments/card/capture", captureBody("pi_1", "10"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, f.settler.Calls(), 1)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, statusForError(fmt.Errorf("wrapped: %w", settlement.ErrTimeout)))
	assert.Equal(t, http.StatusBadRequest, statusForError(settlement.ErrInvalidAmount))
	assert.Equal(t, http.StatusConflict, statusForError(db.ErrAlreadyClaimed))
	assert.Equal(t, http.StatusInternalServerError, statusForError(settlement.ErrInvalidKey))
	assert.Equal(t, http.StatusInternalServerError, statusForError(errors.New("other")))
}

func TestHandleListMethods(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/payments/methods", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, []interface{}{"card"}, body["methods"])
	assert.Equal(t, "0.015", body["tokenPriceUsd"])
}

func TestHandleSettlements(t *testing.T) {
	f := newServerFixture(t)
	f.do(t, http.MethodPost, "/api/v1/payments/card/capture", captureBody("pi_1", "10"))
	f.settler.err = settlement.ErrTimeout
	f.do(t, http.MethodPost, "/api/v1/payments/card/capture", captureBody("pi_2", "10"))

	rec := f.do(t, http.MethodGet, "/api/v1/settlements", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/v1/settlements?status=unknown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/v1/settlements?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/settlements?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/settlements/card/pi_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "5sigpi_1", body["signature"])

	rec = f.do(t, http.MethodGet, "/api/v1/settlements/card/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	down := handleHealth(pingerFunc(func() error { return errors.New("no db") }))
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodOptions, "/api/v1/payments/card/capture", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5174", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, "http://localhost:5174", rec.Header().Get("Access-Control-Allow-Origin"))
}

type pingerFunc func() error

func (p pingerFunc) Ping(ctx context.Context) error { return p() }

type orderCreatorFunc struct {
	order  *payment.Order
	err    error
	amount decimal.Decimal
	wallet string
}

func (o *orderCreatorFunc) CreateOrder(ctx context.Context, amount decimal.Decimal, wallet string) (*payment.Order, error) {
	o.amount = amount
	o.wallet = wallet
	if o.err != nil {
		return nil, o.err
	}
	return o.order, nil
}

func TestHandleCreatePayPalOrder(t *testing.T) {
	orders := &orderCreatorFunc{order: &payment.Order{ID: "ORDER-1", ApprovalURL: "https://www.sandbox.paypal.com/checkoutnow?token=ORDER-1"}}
	h := handleCreatePayPalOrder(orders, testLogger())

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/paypal/orders", bytes.NewBufferString(body)))
		return rec
	}

	rec := post(fmt.Sprintf(`{"amount":"25.00","buyerWalletAddress":%q}`, buyerWallet))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "ORDER-1", body["orderId"])
	assert.Equal(t, "25", orders.amount.String())
	assert.Equal(t, buyerWallet, orders.wallet)

	rec = post(fmt.Sprintf(`{"amount":0,"buyerWalletAddress":%q}`, buyerWallet))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(`{"amount":5,"buyerWalletAddress":"bad"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	orders.err = fmt.Errorf("%w: paypal 500", payment.ErrProcessorUnavailable)
	rec = post(fmt.Sprintf(`{"amount":5,"buyerWalletAddress":%q}`, buyerWallet))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
