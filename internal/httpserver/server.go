package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/credit-ledger/internal/config"
	"github.com/PortNumber53/credit-ledger/internal/handlers"
	ledgermw "github.com/PortNumber53/credit-ledger/internal/middleware"
)

// Deps are the services the routes are served from.
type Deps struct {
	Ledger       handlers.Ledger
	Accounts     handlers.AccountService
	Entitlements handlers.EntitlementChecker
	Events       handlers.EventHandler
	DB           handlers.Pinger
	Logger       zerolog.Logger
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
}

// New constructs an HTTP server. The webhook route is public and
// authenticated by its signature; every other /api route requires the
// internal token.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(ledgermw.RequestLogger(deps.Logger))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.DB))

	if deps.Events != nil {
		handlers.NewStripeHandler(deps.Events, cfg.StripeWebhookSecret).RegisterRoutes(router)
	}

	router.Group(func(r chi.Router) {
		r.Use(ledgermw.InternalToken(cfg.InternalAPIToken))

		if deps.Entitlements != nil {
			r.Get("/api/entitlements/{accountID}", handlers.Entitlement(deps.Entitlements))
		}
		if deps.Ledger != nil {
			r.Get("/api/tokens/{accountID}", handlers.TokenBalance(deps.Ledger))
			r.Get("/api/tokens/{accountID}/transactions", handlers.TokenTransactions(deps.Ledger))
			r.Post("/api/tokens/{accountID}/consume", handlers.ConsumeToken(deps.Ledger))
			r.Post("/api/tokens/{accountID}/grant", handlers.GrantTokens(deps.Ledger))
		}
		if deps.Accounts != nil {
			r.Post("/api/accounts/{accountID}/bootstrap", handlers.BootstrapAccount(deps.Accounts))
			r.Post("/api/accounts/{accountID}/store-verification", handlers.StoreVerification(deps.Accounts))
		}
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv}
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
