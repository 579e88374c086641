package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tokenpay/service/config"
	"github.com/brojonat/tokenpay/service/metrics"
	natspkg "github.com/brojonat/tokenpay/service/nats"
	"github.com/brojonat/tokenpay/service/payment"
	"github.com/brojonat/tokenpay/service/users"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the server's collaborators. Optional ones may be left nil, which
// disables the routes that need them.
type Deps struct {
	Checkout    *Checkout        // required
	Settlements SettlementReader // optional
	Users       *users.Service   // optional, with Gallery
	Gallery     GalleryStore     // optional, with Users
	PayPal      OrderCreator     // optional
	Subscriber  natspkg.Subscriber
	Health      Pinger
	Metrics     *metrics.Metrics
}

// Server represents the HTTP server for the token sale.
type Server struct {
	addr    string
	cfg     *config.Config
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		addr:    cfg.ServerAddr,
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		logger:  logger,
	}
}

// handle registers h under pattern with request metrics.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h))
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	d := s.deps

	// Payment capture routes
	s.handle(mux, "POST /api/v1/payments/{method}/capture", handleCapture(d.Checkout, "", s.logger))
	s.handle(mux, "POST /payment/capture", handleCapture(d.Checkout, payment.MethodCard, s.logger))
	s.handle(mux, "GET /api/v1/payments/methods", handleListMethods(d.Checkout))

	if s.cfg.USDCEnabled() {
		usdc := USDCConfig{
			USDCMint:       s.cfg.USDCMintAddress,
			ReceiverWallet: s.cfg.ReceiverWallet,
			TokenPriceUSD:  s.cfg.TokenPriceUSD,
			Network:        s.cfg.SolanaNetwork,
		}
		s.handle(mux, "GET /api/v1/usdc/config", handleUSDCConfig(usdc))
		s.handle(mux, "POST /api/v1/usdc/invoice", handleUSDCInvoice(usdc, s.logger))
	}

	if d.PayPal != nil {
		s.handle(mux, "POST /api/v1/paypal/orders", handleCreatePayPalOrder(d.PayPal, s.logger))
	}

	if d.Settlements != nil {
		s.handle(mux, "GET /api/v1/settlements", handleListSettlements(d.Settlements, s.logger))
		s.handle(mux, "GET /api/v1/settlements/{method}/{reference}", handleGetSettlement(d.Settlements, s.logger))
	}

	if d.Users != nil && d.Gallery != nil {
		s.handle(mux, "POST /api/register", handleRegister(d.Users, s.logger))
		s.handle(mux, "POST /api/login", handleLogin(d.Users, s.logger))
		s.handle(mux, "GET /api/users", handleListUsers(d.Users, s.logger))
		s.handle(mux, "POST /api/gallery/upload", handleGalleryUpload(d.Users, d.Gallery, s.cfg.UploadsDir, s.logger))
		s.handle(mux, "GET /api/gallery/all", handleListGallery(d.Gallery, s.logger))
		s.handle(mux, "GET /api/gallery/{email}", handleListUserGallery(d.Users, d.Gallery, s.logger))
		mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.cfg.UploadsDir))))
	}

	// SSE streaming endpoints (if a subscriber is configured)
	if d.Subscriber != nil {
		mux.Handle("GET /api/v1/stream/settlements/{wallet}", handleStreamSettlements(d.Subscriber, s.metrics, s.logger))
		mux.Handle("GET /api/v1/stream/settlements", handleStreamSettlements(d.Subscriber, s.metrics, s.logger))
	} else {
		s.logger.Warn("NATS subscriber not configured, streaming endpoints disabled")
	}

	mux.Handle("GET /health", handleHealth(d.Health))

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(s.cfg.FrontendURL, mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Captures may take the whole settlement timeout.
		WriteTimeout: s.cfg.SettlementTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"addr", s.addr,
		"methods", s.deps.Checkout.Methods(),
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the subscriber first so SSE streams end.
	if s.deps.Subscriber != nil {
		s.deps.Subscriber.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers for the frontend origin and handles
// OPTIONS preflight requests. An empty origin allows any.
func corsMiddleware(origin string, next http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")
		if origin != "*" {
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
