/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed for the escrow_transactions table,
 * the append-only escrow_state_history table, and the processed_webhook_events
 * dedup ledger.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - UpdateTransactionState is the single write path for state changes. The
 *   WHERE id = $1 AND version = $2 predicate is the optimistic lock: exactly
 *   one of any set of concurrent writers observes RowsAffected == 1.
 * - The dedup ledger relies on INSERT ... ON CONFLICT DO NOTHING so that two
 *   concurrent deliveries of the same processor event race on the primary key
 *   and only one insert wins.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/homeline/escrow-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const transactionColumns = `
	id, job_id, payer_id, payee_id,
	gross_amount, platform_fee, net_amount, currency,
	state, processor_reference, idempotency_key, version,
	created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanTransaction(row pgx.Row) (*domain.EscrowTransaction, error) {
	var tx domain.EscrowTransaction
	var currency string
	err := row.Scan(
		&tx.ID, &tx.JobID, &tx.PayerID, &tx.PayeeID,
		&tx.GrossAmount.Amount, &tx.PlatformFee.Amount, &tx.NetAmount.Amount, &currency,
		&tx.State, &tx.ProcessorReference, &tx.IdempotencyKey, &tx.Version,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.GrossAmount.Currency = currency
	tx.PlatformFee.Currency = currency
	tx.NetAmount.Currency = currency
	return &tx, nil
}

// CreateTransaction inserts a new escrow transaction, or returns the existing
// one when the idempotency key has already been used. The unique constraint on
// idempotency_key makes the insert race-safe: under concurrent identical
// requests exactly one row is created and every caller sees it.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.EscrowTransaction) (*domain.EscrowTransaction, bool, error) {
	insert := `
		INSERT INTO escrow_transactions (
			id, job_id, payer_id, payee_id,
			gross_amount, platform_fee, net_amount, currency,
			state, processor_reference, idempotency_key, version,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	result, err := r.db.Exec(ctx, insert,
		tx.ID, tx.JobID, tx.PayerID, tx.PayeeID,
		tx.GrossAmount.Amount, tx.PlatformFee.Amount, tx.NetAmount.Amount, tx.GrossAmount.Currency,
		tx.State, tx.ProcessorReference, tx.IdempotencyKey, tx.Version,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert escrow transaction: %w", err)
	}

	if result.RowsAffected() == 1 {
		stored, err := r.GetTransaction(ctx, tx.ID)
		if err != nil {
			return nil, false, err
		}
		return stored, true, nil
	}

	existing, err := r.getTransactionByIdempotencyKey(ctx, tx.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing.JobID != tx.JobID ||
		existing.PayerID != tx.PayerID ||
		existing.PayeeID != tx.PayeeID ||
		existing.GrossAmount != tx.GrossAmount {
		return nil, false, ErrIdempotencyConflict
	}
	return existing, false, nil
}

func (r *PostgresRepository) getTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.EscrowTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE idempotency_key = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// GetTransaction retrieves an escrow transaction by its id.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.EscrowTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// GetTransactionByProcessorReference retrieves the transaction owning a
// processor-side charge id. Webhook events are correlated through this lookup.
func (r *PostgresRepository) GetTransactionByProcessorReference(ctx context.Context, ref string) (*domain.EscrowTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE processor_reference = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// ListTransactionsByJob retrieves every escrow transaction funding a job,
// newest first.
func (r *PostgresRepository) ListTransactionsByJob(ctx context.Context, jobID uuid.UUID) ([]domain.EscrowTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE job_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.EscrowTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// UpdateTransactionState commits one state edge and its history entry
// atomically, guarded by the optimistic version check.
func (r *PostgresRepository) UpdateTransactionState(ctx context.Context, id uuid.UUID, expectedVersion int64, change StateChange) (*domain.EscrowTransaction, error) {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin state update tx: %w", err)
	}
	defer dbtx.Rollback(ctx)

	update := `
		UPDATE escrow_transactions
		SET state = $3,
		    version = version + 1,
		    processor_reference = COALESCE($4, processor_reference),
		    updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING ` + transactionColumns
	updated, err := scanTransaction(dbtx.QueryRow(ctx, update, id, expectedVersion, change.ToState, change.ProcessorReference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a stale version from a missing row so callers can
			// re-read and retry instead of failing hard.
			var exists bool
			if checkErr := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
				return nil, checkErr
			}
			if !exists {
				return nil, ErrTransactionNotFound
			}
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("update transaction state: %w", err)
	}

	history := `
		INSERT INTO escrow_state_history (transaction_id, from_state, to_state, reason, caused_by, occurred_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	if _, err := dbtx.Exec(ctx, history, id, change.FromState, change.ToState, change.Reason, change.CausedBy); err != nil {
		return nil, fmt.Errorf("append state history: %w", err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit state update: %w", err)
	}
	return updated, nil
}

// GetStateHistory returns a transaction's state history in commit order.
func (r *PostgresRepository) GetStateHistory(ctx context.Context, id uuid.UUID) ([]domain.StateChangeRecord, error) {
	query := `
		SELECT transaction_id, from_state, to_state, reason, caused_by, occurred_at
		FROM escrow_state_history
		WHERE transaction_id = $1
		ORDER BY occurred_at ASC, from_state
	`
	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.StateChangeRecord
	for rows.Next() {
		var rec domain.StateChangeRecord
		if err := rows.Scan(&rec.TransactionID, &rec.FromState, &rec.ToState, &rec.Reason, &rec.CausedBy, &rec.OccurredAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkEventProcessed records a processor event id in the dedup ledger. Returns
// true only for the insert winner.
func (r *PostgresRepository) MarkEventProcessed(ctx context.Context, eventID string, eventType domain.EventType, receivedAt time.Time) (bool, error) {
	insert := `
		INSERT INTO processed_webhook_events (processor_event_id, event_type, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (processor_event_id) DO NOTHING
	`
	result, err := r.db.Exec(ctx, insert, eventID, eventType, receivedAt)
	if err != nil {
		return false, fmt.Errorf("record processed event: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// UnmarkEventProcessed removes a ledger entry after a failed apply so the
// processor's redelivery is not swallowed as a duplicate.
func (r *PostgresRepository) UnmarkEventProcessed(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM processed_webhook_events WHERE processor_event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("unmark processed event: %w", err)
	}
	return nil
}

// PurgeProcessedEvents deletes ledger rows older than the retention cutoff.
func (r *PostgresRepository) PurgeProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM processed_webhook_events WHERE received_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListStuckTransactions returns transactions sitting in a transient state since
// before the cutoff, oldest first, for the reconciliation sweep.
func (r *PostgresRepository) ListStuckTransactions(ctx context.Context, cutoff time.Time, limit int) ([]domain.EscrowTransaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM escrow_transactions
		WHERE state = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	transient := []string{
		string(domain.StateIntentPending),
		string(domain.StateAuthorized),
		string(domain.StateReleasing),
		string(domain.StateRefunding),
	}
	rows, err := r.db.Query(ctx, query, transient, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.EscrowTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}
