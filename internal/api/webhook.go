/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from the
 * payment processor. It is the entry point for all asynchronous payment
 * notifications.
 *
 * Key features:
 * - Security: validates the HMAC-SHA256 signature of every delivery before any
 *   side effect; a bad signature is rejected outright.
 * - Parsing: decodes the JSON payload into the strongly-typed event model.
 * - Reconciliation: hands verified events to the application service, which
 *   deduplicates and applies them through the state machine.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex: For webhook signature validation.
 * - The service's internal packages for the event model and reconciliation.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/homeline/escrow-service/internal/app"
	"github.com/homeline/escrow-service/internal/domain"
)

// SignatureHeader carries the processor's hex-encoded HMAC-SHA256 of the raw
// request body.
const SignatureHeader = "X-Processor-Signature"

// WebhookHandler processes incoming webhooks from the payment processor.
type WebhookHandler struct {
	service *app.Service
	secret  string
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(service *app.Service, secret string) *WebhookHandler {
	return &WebhookHandler{service: service, secret: secret}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.isValidSignature(r.Header.Get(SignatureHeader), body) {
		log.Printf("level=warn component=webhook msg=\"invalid signature\" remote=%s", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event domain.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	event.ReceivedAt = time.Now().UTC()

	disposition, err := h.service.HandleWebhookEvent(r.Context(), event)
	if err != nil {
		log.Printf("level=error component=webhook msg=\"event handling failed\" event_id=%s type=%s err=%v", event.ProcessorEventID, event.Type, err)
		// Non-2xx makes the processor redeliver, which is what a transient
		// internal failure wants.
		http.Error(w, "Internal server error during event processing", http.StatusInternalServerError)
		return
	}

	log.Printf("level=info component=webhook msg=\"event handled\" event_id=%s type=%s disposition=%s", event.ProcessorEventID, event.Type, disposition)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"disposition": string(disposition)})
}

// isValidSignature validates the HMAC-SHA256 signature of the webhook body.
func (h *WebhookHandler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.secret == "" {
		log.Println("Warning: PROCESSOR_WEBHOOK_SECRET is not set. Skipping signature validation.")
		return true
	}

	provided, err := hex.DecodeString(strings.TrimSpace(signatureHeader))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
