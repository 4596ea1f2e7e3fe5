/**
 * @description
 * This file contains the HTTP handlers for the escrow-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as
 * the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/homeline/escrow-service/internal/app"
	"github.com/homeline/escrow-service/internal/domain"
	"github.com/homeline/escrow-service/internal/store"
)

// EscrowHandlers holds the application service that handlers will use.
type EscrowHandlers struct {
	service *app.Service
}

// NewEscrowHandlers creates a new instance of EscrowHandlers.
func NewEscrowHandlers(service *app.Service) *EscrowHandlers {
	return &EscrowHandlers{service: service}
}

// transactionResponse mirrors the shape the web and mobile clients read. Money
// stays in minor units end to end; formatting is a client concern.
type transactionResponse struct {
	TransactionID      string  `json:"transaction_id"`
	JobID              string  `json:"job_id"`
	PayerID            string  `json:"payer_id"`
	PayeeID            string  `json:"payee_id"`
	State              string  `json:"state"`
	DisplayStatus      string  `json:"display_status"`
	GrossAmount        int64   `json:"gross_amount"`
	PlatformFee        int64   `json:"platform_fee"`
	NetAmount          int64   `json:"net_amount"`
	Currency           string  `json:"currency"`
	ProcessorReference *string `json:"processor_reference,omitempty"`
	Version            int64   `json:"version"`
}

func buildTransactionResponse(tx *domain.EscrowTransaction) transactionResponse {
	return transactionResponse{
		TransactionID:      tx.ID.String(),
		JobID:              tx.JobID.String(),
		PayerID:            tx.PayerID.String(),
		PayeeID:            tx.PayeeID.String(),
		State:              string(tx.State),
		DisplayStatus:      tx.State.DisplayStatus(),
		GrossAmount:        tx.GrossAmount.Amount,
		PlatformFee:        tx.PlatformFee.Amount,
		NetAmount:          tx.NetAmount.Amount,
		Currency:           tx.GrossAmount.Currency,
		ProcessorReference: tx.ProcessorReference,
		Version:            tx.Version,
	}
}

// InitiatePaymentHandler handles requests to fund a job.
func (h *EscrowHandlers) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	payerID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req domain.InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.service.InitiatePayment(r.Context(), payerID, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrValidation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrIdempotencyConflict):
			h.writeError(w, http.StatusConflict, "Idempotency key already used with different parameters")
		default:
			log.Printf("level=error component=api endpoint=initiate_payment msg=\"initiation failed\" payer_id=%s err=%v", payerID, err)
			h.writeError(w, http.StatusBadGateway, "Payment could not be initiated")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, buildTransactionResponse(tx))
}

// ConfirmPaymentHandler finalizes a payment intent after client-side
// authentication and captures the funds into escrow.
func (h *EscrowHandlers) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.callerID(w, r)
	if !ok {
		return
	}
	txID, ok := h.pathTransactionID(w, r)
	if !ok {
		return
	}

	tx, err := h.service.ConfirmPayment(r.Context(), callerID, txID)
	if err != nil {
		h.writeServiceError(w, "confirm_payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransactionResponse(tx))
}

// ReleaseFundsHandler requests release of held funds to the payee. Accepted
// asynchronously: completion is signaled by the processor's transfer webhook.
func (h *EscrowHandlers) ReleaseFundsHandler(w http.ResponseWriter, r *http.Request) {
	h.payoutHandler(w, r, "release_funds", h.service.ReleaseFunds)
}

// RefundFundsHandler requests a refund of held funds to the payer.
func (h *EscrowHandlers) RefundFundsHandler(w http.ResponseWriter, r *http.Request) {
	h.payoutHandler(w, r, "refund_funds", h.service.RefundFunds)
}

// payoutHandler is the shared request path for release and refund: the payer
// authorizes the movement, the transaction moves to its transient payout
// state, and 202 tells the client to watch the status endpoint.
func (h *EscrowHandlers) payoutHandler(w http.ResponseWriter, r *http.Request, endpoint string, op func(ctx context.Context, txID uuid.UUID, causedBy string) (*domain.EscrowTransaction, error)) {
	callerID, ok := h.callerID(w, r)
	if !ok {
		return
	}
	txID, ok := h.pathTransactionID(w, r)
	if !ok {
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), txID)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return
	}
	if tx.PayerID != callerID {
		h.writeError(w, http.StatusForbidden, "Only the payer may perform this action")
		return
	}

	tx, err = op(r.Context(), txID, "api:"+endpoint)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, buildTransactionResponse(tx))
}

// GetTransactionHandler returns a transaction with its state history.
func (h *EscrowHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txID, ok := h.pathTransactionID(w, r)
	if !ok {
		return
	}

	status, err := h.service.GetTransactionStatus(r.Context(), txID)
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"transaction":    buildTransactionResponse(status.Transaction),
		"display_status": status.DisplayStatus,
		"history":        status.History,
	})
}

// ListJobTransactionsHandler returns all escrow transactions funding a job.
func (h *EscrowHandlers) ListJobTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	txs, err := h.service.ListJobTransactions(r.Context(), jobID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_job_transactions msg=\"listing failed\" job_id=%s err=%v", jobID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not list transactions")
		return
	}

	responses := make([]transactionResponse, 0, len(txs))
	for i := range txs {
		responses = append(responses, buildTransactionResponse(&txs[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"transactions": responses})
}

// ResolveDisputeHandler settles a disputed transaction. Internal-only: the
// decision comes from the operations team, not from either party.
func (h *EscrowHandlers) ResolveDisputeHandler(w http.ResponseWriter, r *http.Request) {
	txID, ok := h.pathTransactionID(w, r)
	if !ok {
		return
	}

	var req struct {
		Outcome string `json:"outcome"` // "payee" or "payer"
		Reason  string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Outcome != "payee" && req.Outcome != "payer" {
		h.writeError(w, http.StatusBadRequest, "Outcome must be \"payee\" or \"payer\"")
		return
	}

	tx, err := h.service.ResolveDispute(r.Context(), txID, req.Outcome == "payee", "operator:dispute_resolution")
	if err != nil {
		h.writeServiceError(w, "resolve_dispute", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, buildTransactionResponse(tx))
}

// TriggerReconciliationHandler runs one reconciliation sweep on demand.
func (h *EscrowHandlers) TriggerReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RunReconciliation(r.Context()); err != nil {
		log.Printf("level=error component=api endpoint=trigger_reconciliation msg=\"manual sweep failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation run failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// callerID resolves the authenticated user from the request context.
func (h *EscrowHandlers) callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthenticatedUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_user_id user_id=%s", userIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *EscrowHandlers) pathTransactionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return uuid.Nil, false
	}
	return txID, true
}

// writeServiceError maps application errors onto HTTP statuses.
func (h *EscrowHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, store.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, app.ErrNotPayer):
		h.writeError(w, http.StatusForbidden, "Only the payer may perform this action")
	case errors.Is(err, app.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrConcurrencyConflict):
		h.writeError(w, http.StatusConflict, "Transaction was modified concurrently; retry")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *EscrowHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *EscrowHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
