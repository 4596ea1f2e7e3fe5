/**
 * @description
 * This file sets up the HTTP router for the escrow-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the secrets and endpoints the router wires in.
type RouterConfig struct {
	JWKSURL        string
	InternalAPIKey string
	WebhookSecret  string
	AllowedOrigins []string
}

// EscrowRoutes creates and returns a new router for the escrow service.
func EscrowRoutes(h *EscrowHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Processor webhook: authenticated by HMAC signature, not by JWT.
	r.Method(http.MethodPost, "/payments/webhooks", NewWebhookHandler(h.service, cfg.WebhookSecret))

	// Group routes that require party authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWKSURL))

		r.Post("/payments/intents", h.InitiatePaymentHandler)
		r.Post("/payments/intents/{id}/confirm", h.ConfirmPaymentHandler)
		r.Post("/payments/intents/{id}/release", h.ReleaseFundsHandler)
		r.Post("/payments/intents/{id}/refund", h.RefundFundsHandler)
		r.Get("/payments/intents/{id}", h.GetTransactionHandler)
		r.Get("/payments/jobs/{jobId}", h.ListJobTransactionsHandler)
	})

	// Internal operations endpoints, gated by shared secret.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Post("/internal/disputes/{id}/resolve", h.ResolveDisputeHandler)
		r.Post("/internal/reconcile", h.TriggerReconciliationHandler)
	})

	return r
}
