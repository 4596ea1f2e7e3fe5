/**
 * @description
 * Domain events published to the platform's message broker. The job and
 * notification services consume these so job status and party notifications
 * reflect payment state without either side knowing the other's internals.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobPaymentStateChangedEvent is emitted exactly once per terminal transition
// (RELEASED, REFUNDED, FAILED) of an escrow transaction.
type JobPaymentStateChangedEvent struct {
	JobID         uuid.UUID `json:"job_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	PayerID       uuid.UUID `json:"payer_id"`
	PayeeID       uuid.UUID `json:"payee_id"`
	NewState      State     `json:"new_state"`
	GrossAmount   Money     `json:"gross_amount"`
	NetAmount     Money     `json:"net_amount"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// JobCompletedEvent is consumed from the job service: an authorized completion
// signal that triggers the release of the job's held funds.
type JobCompletedEvent struct {
	JobID       uuid.UUID `json:"job_id"`
	CompletedBy uuid.UUID `json:"completed_by"`
	CompletedAt time.Time `json:"completed_at"`
}
