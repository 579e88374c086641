package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tokenpay/service/metrics"
	natspkg "github.com/brojonat/tokenpay/service/nats"
)

// sseKeepalive is how often a comment is sent to idle streams.
var sseKeepalive = 10 * time.Second

// handleStreamSettlements streams settlement events over SSE. Without a
// wallet path parameter it streams every wallet.
// GET /api/v1/stream/settlements
// GET /api/v1/stream/settlements/{wallet}
func handleStreamSettlements(subscriber natspkg.Subscriber, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := r.PathValue("wallet")
		walletDesc := wallet
		if wallet == "" {
			walletDesc = "all"
		}

		events, err := subscriber.Subscribe(r.Context(), wallet)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to subscribe to settlements",
				"wallet", walletDesc,
				"error", err,
			)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		// Streams outlive the server's write timeout.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if m != nil {
			m.RecordSSEConnectionChange(walletDesc, 1)
			defer m.RecordSSEConnectionChange(walletDesc, -1)
		}

		logger.DebugContext(r.Context(), "SSE client connected",
			"wallet", walletDesc,
			"remote_addr", r.RemoteAddr,
		)

		fmt.Fprintf(w, "event: connected\ndata: {\"wallet\":%q}\n\n", walletDesc)
		rc.Flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				rc.Flush()

			case event, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: settlement\ndata: %s\n\n", data)
				rc.Flush()
				if m != nil {
					m.RecordSSEEventSent(walletDesc, event.Type)
				}

				logger.DebugContext(r.Context(), "sent settlement event",
					"wallet", event.Wallet,
					"type", event.Type,
					"payment_reference", event.PaymentReference,
				)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"wallet", walletDesc,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
