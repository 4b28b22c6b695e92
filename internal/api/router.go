package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dukahub/payments/internal/channel"
	"github.com/dukahub/payments/internal/reconcile"
	"github.com/dukahub/payments/internal/repository"
	"github.com/dukahub/payments/internal/vault"
	"github.com/dukahub/payments/internal/webhook"
)

// NewRouter creates the Chi router with all API routes mounted. adminToken
// guards staff-only endpoints; an empty token disables them entirely.
func NewRouter(
	txnRepo *repository.TransactionRepo,
	auditRepo *repository.AuditRepo,
	orderRepo *repository.OrderRepo,
	discRepo *repository.DiscrepancyRepo,
	channels *channel.Service,
	verifier *webhook.Verifier,
	tokenVault *vault.Vault,
	reconSvc *reconcile.Service,
	adminToken string,
) http.Handler {
	h := &Handlers{
		txnRepo:    txnRepo,
		auditRepo:  auditRepo,
		orderRepo:  orderRepo,
		discRepo:   discRepo,
		channels:   channels,
		verifier:   verifier,
		tokenVault: tokenVault,
		reconSvc:   reconSvc,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Route("/api/v1", func(r chi.Router) {
		// Storefront surface.
		r.Post("/payments/initiate", h.Initiate)
		r.Get("/orders/{orderRef}/payment-status", h.GetOrderPaymentStatus)
		r.Post("/vault/tokens", h.CreateToken)
		r.Get("/vault/tokens/{token}", h.ValidateToken)

		// Provider-origin callbacks, authenticated by signature.
		r.Post("/callbacks/{channel}", h.Callback)

		// Staff surface.
		r.Group(func(r chi.Router) {
			r.Use(adminOnly(adminToken))

			r.Post("/manual/cash", h.ManualCash)
			r.Post("/manual/paybill", h.ManualPaybill)

			r.Get("/transactions", h.ListTransactions)
			r.Get("/transactions/{id}", h.GetTransaction)
			r.Get("/transactions/{id}/audit", h.GetTransactionAudit)
			r.Post("/transactions/{id}/refund", h.Refund)
			r.Post("/transactions/{id}/check", h.CheckTransaction)

			r.Get("/discrepancies", h.ListDiscrepancies)
			r.Get("/discrepancies/summary", h.GetDiscrepancySummary)
		})
	})

	return r
}

func adminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Header.Get("X-Admin-Token") != token {
				writeError(w, http.StatusUnauthorized, "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
