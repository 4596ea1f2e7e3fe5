/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations required by the escrow-service. By defining an
 * interface, we decouple the application's business logic from the specific
 * database implementation (e.g., PostgreSQL), making the code more modular and
 * easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/homeline/escrow-service/internal/domain"
)

var (
	ErrTransactionNotFound = errors.New("escrow transaction not found")
	ErrVersionConflict     = errors.New("transaction version conflict")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
)

// StateChange describes one state-machine edge to be committed atomically with
// its history entry. ProcessorReference, when set, is written alongside the
// transition (it becomes known when the processor intent is created).
type StateChange struct {
	FromState          domain.State
	ToState            domain.State
	Reason             string
	CausedBy           string
	ProcessorReference *string
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Escrow transaction methods.
	// CreateTransaction inserts tx, treating the idempotency key as the unit of
	// uniqueness. When a transaction already exists for the key, the stored row
	// is returned with created=false; if the stored row was created with
	// different parameters, ErrIdempotencyConflict is returned.
	CreateTransaction(ctx context.Context, tx *domain.EscrowTransaction) (*domain.EscrowTransaction, bool, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.EscrowTransaction, error)
	GetTransactionByProcessorReference(ctx context.Context, ref string) (*domain.EscrowTransaction, error)
	ListTransactionsByJob(ctx context.Context, jobID uuid.UUID) ([]domain.EscrowTransaction, error)

	// UpdateTransactionState commits one state edge with an optimistic version
	// check: the write succeeds only if the row's version still equals
	// expectedVersion, and increments it. ErrVersionConflict otherwise.
	// The matching history entry is appended in the same database transaction.
	UpdateTransactionState(ctx context.Context, id uuid.UUID, expectedVersion int64, change StateChange) (*domain.EscrowTransaction, error)
	GetStateHistory(ctx context.Context, id uuid.UUID) ([]domain.StateChangeRecord, error)

	// Processed-event ledger methods.
	// MarkEventProcessed atomically records a processor event id; it reports
	// true only for the first caller, so concurrent deliveries of the same
	// event cannot both apply it.
	MarkEventProcessed(ctx context.Context, eventID string, eventType domain.EventType, receivedAt time.Time) (bool, error)
	// UnmarkEventProcessed removes a ledger entry so the processor's redelivery
	// of an event whose application failed can be retried.
	UnmarkEventProcessed(ctx context.Context, eventID string) error
	PurgeProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error)

	// Reconciliation sweep methods.
	ListStuckTransactions(ctx context.Context, cutoff time.Time, limit int) ([]domain.EscrowTransaction, error)
}
