/**
 * @description
 * This file defines the core domain models for the escrow-service: the
 * EscrowTransaction entity, its lifecycle states, and the append-only state
 * history used for audit and reconciliation debugging.
 *
 * @notes
 * - An EscrowTransaction is created when a job's payment is initiated and is
 *   never deleted; terminal rows are retained indefinitely for audit.
 * - Every committed state change increments Version; concurrent writers are
 *   serialized by a compare-and-swap on that counter at the store layer.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an escrow transaction.
type State string

const (
	StateCreated       State = "CREATED"
	StateIntentPending State = "INTENT_PENDING"
	StateAuthorized    State = "AUTHORIZED"
	StateHeld          State = "HELD"
	StateReleasing     State = "RELEASING"
	StateReleased      State = "RELEASED"
	StateRefunding     State = "REFUNDING"
	StateRefunded      State = "REFUNDED"
	StateDisputed      State = "DISPUTED"
	StateFailed        State = "FAILED"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateReleased, StateRefunded, StateFailed:
		return true
	}
	return false
}

// IsTransient reports whether s must eventually resolve. Transactions stuck in
// a transient state past the configured timeout are picked up by the
// reconciliation sweep.
func (s State) IsTransient() bool {
	switch s {
	case StateIntentPending, StateAuthorized, StateReleasing, StateRefunding, StateDisputed:
		return true
	}
	return false
}

// DisplayStatus is the payer/payee-visible view of a state. Internal transient
// states are surfaced as "pending" so implementation detail does not leak.
func (s State) DisplayStatus() string {
	switch s {
	case StateReleased, StateRefunded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// EscrowTransaction is the central entity: a single job payment moving through
// the external processor while funds are held in escrow.
type EscrowTransaction struct {
	ID                 uuid.UUID `json:"id"`
	JobID              uuid.UUID `json:"job_id"`
	PayerID            uuid.UUID `json:"payer_id"`
	PayeeID            uuid.UUID `json:"payee_id"`
	GrossAmount        Money     `json:"gross_amount"`
	PlatformFee        Money     `json:"platform_fee"`
	NetAmount          Money     `json:"net_amount"`
	State              State     `json:"state"`
	ProcessorReference *string   `json:"processor_reference,omitempty"`
	IdempotencyKey     string    `json:"idempotency_key"`
	Version            int64     `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// StateChangeRecord is one entry of a transaction's append-only state history.
type StateChangeRecord struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	FromState     State     `json:"from_state"`
	ToState       State     `json:"to_state"`
	Reason        string    `json:"reason"`
	CausedBy      string    `json:"caused_by"` // e.g. "api:release", "webhook:transfer.paid", "sweep"
	OccurredAt    time.Time `json:"occurred_at"`
}

// TransactionStatus is the read-model returned by the status endpoint: the full
// record, its history, and the user-visible status derived from the state.
type TransactionStatus struct {
	Transaction   *EscrowTransaction  `json:"transaction"`
	History       []StateChangeRecord `json:"history"`
	DisplayStatus string              `json:"display_status"`
}

// InitiatePaymentRequest is the DTO for incoming payment initiation requests.
type InitiatePaymentRequest struct {
	JobID          uuid.UUID `json:"job_id"`
	PayeeID        uuid.UUID `json:"payee_id"`
	Amount         int64     `json:"amount"` // in minor units
	Currency       string    `json:"currency"`
	IdempotencyKey string    `json:"idempotency_key"`
}
