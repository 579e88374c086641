package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/tokenpay/service/db"
	"github.com/brojonat/tokenpay/service/payment"
	"github.com/brojonat/tokenpay/service/settlement"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxUploadSize      = 10 << 20
)

// captureResponse is the success body of a capture call.
type captureResponse struct {
	Status               string      `json:"status"`
	Tokens               json.Number `json:"tokens"`
	Wallet               string      `json:"wallet"`
	TransactionReference string      `json:"transactionReference"`
	Method               string      `json:"method"`
	AmountUSD            string      `json:"amountUsd"`
}

// handleCapture verifies a payment and settles tokens for it.
// POST /api/v1/payments/{method}/capture
// POST /payment/capture (fixed method card)
func handleCapture(checkout *Checkout, fixed payment.Method, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := fixed
		if method == "" {
			m, err := payment.ParseMethod(r.PathValue("method"))
			if err != nil {
				writeError(w, err.Error(), http.StatusNotFound)
				return
			}
			method = m
		}

		var req CaptureRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		result, err := checkout.Capture(r.Context(), method, req)
		if err != nil {
			status := statusForError(err)
			if status >= http.StatusInternalServerError {
				logger.ErrorContext(r.Context(), "capture failed",
					"method", string(method),
					"payment_reference", req.PaymentReference,
					"status", status,
					"outcome_unknown", settlement.OutcomeUnknown(err),
					"error", err,
				)
			} else {
				logger.InfoContext(r.Context(), "capture rejected",
					"method", string(method),
					"payment_reference", req.PaymentReference,
					"status", status,
					"error", err,
				)
			}
			writeError(w, errorMessage(err, status), status)
			return
		}

		writeJSON(w, captureResponse{
			Status:               "succeeded",
			Tokens:               json.Number(result.Tokens.String()),
			Wallet:               result.Wallet,
			TransactionReference: result.TransactionReference,
			Method:               string(result.Method),
			AmountUSD:            result.AmountUSD.String(),
		}, http.StatusOK)
	})
}

// handleListMethods lists the enabled payment methods and the token price.
// GET /api/v1/payments/methods
func handleListMethods(checkout *Checkout) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"methods":       checkout.Methods(),
			"tokenPriceUsd": checkout.PriceUSD().String(),
		}, http.StatusOK)
	})
}

// OrderCreator creates PayPal orders. *payment.PayPalProcessor implements it.
type OrderCreator interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, buyerWallet string) (*payment.Order, error)
}

type createOrderRequest struct {
	Amount             decimal.Decimal `json:"amount"`
	BuyerWalletAddress string          `json:"buyerWalletAddress"`
}

// handleCreatePayPalOrder creates an order the buyer approves on PayPal.
// POST /api/v1/paypal/orders
func handleCreatePayPalOrder(orders OrderCreator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if !req.Amount.IsPositive() {
			writeError(w, "amount must be positive", http.StatusBadRequest)
			return
		}
		if _, err := settlement.ParseAddress(req.BuyerWalletAddress); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		order, err := orders.CreateOrder(r.Context(), req.Amount, req.BuyerWalletAddress)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create paypal order",
				"wallet", req.BuyerWalletAddress,
				"error", err,
			)
			status := statusForError(err)
			writeError(w, errorMessage(err, status), status)
			return
		}

		logger.InfoContext(r.Context(), "paypal order created",
			"order_id", order.ID,
			"wallet", req.BuyerWalletAddress,
			"amount", req.Amount.String(),
		)
		writeJSON(w, order, http.StatusCreated)
	})
}

// SettlementReader reads the settlements table.
type SettlementReader interface {
	GetSettlement(ctx context.Context, method, reference string) (*db.Settlement, error)
	ListSettlements(ctx context.Context, status db.SettlementStatus, limit int32) ([]*db.Settlement, error)
}

// handleListSettlements lists recent settlements.
// GET /api/v1/settlements?status=STATUS&limit=N
func handleListSettlements(store SettlementReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		var status db.SettlementStatus
		if s := query.Get("status"); s != "" {
			parsed, err := db.ParseSettlementStatus(s)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			status = parsed
		}

		// Parse limit (default 100, max 1000)
		limit := int32(100)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > 1000 {
				writeError(w, "limit cannot exceed 1000", http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		settlements, err := store.ListSettlements(r.Context(), status, limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list settlements", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"settlements": settlements,
			"count":       len(settlements),
			"limit":       limit,
		}, http.StatusOK)
	})
}

// handleGetSettlement returns one settlement.
// GET /api/v1/settlements/{method}/{reference}
func handleGetSettlement(store SettlementReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, err := payment.ParseMethod(r.PathValue("method"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		st, err := store.GetSettlement(r.Context(), string(method), r.PathValue("reference"))
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "settlement not found", http.StatusNotFound)
				return
			}
			logger.ErrorContext(r.Context(), "failed to get settlement", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, st, http.StatusOK)
	})
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// handleHealth reports liveness and, when a pinger is configured, database
// reachability.
// GET /health
func handleHealth(pinger Pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				writeError(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, payment.ErrUnknownMethod):
		return http.StatusNotFound
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, settlement.ErrInvalidAddress),
		errors.Is(err, settlement.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrPaymentNotVerified):
		return http.StatusPaymentRequired
	case errors.Is(err, db.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, settlement.ErrInsufficientBalance):
		return http.StatusServiceUnavailable
	case errors.Is(err, settlement.ErrLedgerRejected):
		return http.StatusBadGateway
	case errors.Is(err, settlement.ErrLedgerUnavailable),
		errors.Is(err, payment.ErrProcessorUnavailable):
		return http.StatusServiceUnavailable
	default:
		// Config and key errors land here too.
		return http.StatusInternalServerError
	}
}

// errorMessage hides errors outside the taxonomy.
func errorMessage(err error, status int) string {
	if status == http.StatusInternalServerError &&
		!errors.Is(err, settlement.ErrConfig) && !errors.Is(err, settlement.ErrInvalidKey) {
		return "internal server error"
	}
	return err.Error()
}

// decodeJSON reads a size-limited JSON body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: "+strings.TrimSpace(err.Error()), http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
