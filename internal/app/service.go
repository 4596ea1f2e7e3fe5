/**
 * @description
 * This file contains the orchestration service for escrow payments: the public
 * facade composing the transaction store, the processor gateway, the fee
 * calculator and the event producer. Every caller-facing operation (initiate,
 * confirm, release, refund, status, dispute resolution) lives here; webhook
 * application lives in reconciler.go and the periodic backstop in sweep.go.
 *
 * Key features:
 * - Idempotent creation: one escrow transaction per idempotency key, ever.
 * - Optimistic concurrency: all state changes go through a version CAS at the
 *   store; conflicts are retried a bounded number of times, never blocked on.
 * - Ambiguous processor outcomes are never guessed at: the transaction stays
 *   in its transient state and the reconciliation sweep resolves it.
 *
 * @dependencies
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/processor, pkg/rabbitmq: external processor gateway and event broker.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/homeline/escrow-service/internal/domain"
	"github.com/homeline/escrow-service/internal/store"
	"github.com/homeline/escrow-service/pkg/processor"
	"github.com/homeline/escrow-service/pkg/rabbitmq"
)

const (
	// EventsExchange is the durable topic exchange for domain events.
	EventsExchange = "homeline.events"

	routingKeyReleased = "job.payment.released"
	routingKeyRefunded = "job.payment.refunded"
	routingKeyFailed   = "job.payment.failed"

	defaultConflictRetries = 3
)

// Gateway is the processor adapter surface the service depends on.
type Gateway interface {
	CreateIntent(ctx context.Context, idempotencyKey string, req processor.IntentRequest) (*processor.OperationResponse, error)
	CaptureHold(ctx context.Context, idempotencyKey, intentID string, req processor.CaptureRequest) (*processor.OperationResponse, error)
	CreateTransfer(ctx context.Context, idempotencyKey, intentID string, req processor.TransferRequest) (*processor.OperationResponse, error)
	CreateRefund(ctx context.Context, idempotencyKey, intentID string, req processor.RefundRequest) (*processor.OperationResponse, error)
	GetPaymentStatus(ctx context.Context, intentID string) (*processor.StatusResponse, error)
}

// ServiceConfig carries the tunables frozen into the service at boot.
type ServiceConfig struct {
	FeeSchedule     FeeSchedule
	Currency        string
	ConflictRetries int
	StuckTimeout    time.Duration
	EventRetention  time.Duration
}

// Service provides the core business logic for escrow payments.
type Service struct {
	repo       store.Repository
	gateway    Gateway
	publisher  rabbitmq.Publisher
	dedupCache *RedisEventCache

	feeSchedule     FeeSchedule
	currency        string
	conflictRetries int
	stuckTimeout    time.Duration
	eventRetention  time.Duration
}

// NewService creates a new escrow orchestration service instance.
func NewService(repo store.Repository, gateway Gateway, publisher rabbitmq.Publisher, cfg ServiceConfig) *Service {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 24 * time.Hour
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = 90 * 24 * time.Hour
	}
	return &Service{
		repo:            repo,
		gateway:         gateway,
		publisher:       publisher,
		feeSchedule:     cfg.FeeSchedule,
		currency:        cfg.Currency,
		conflictRetries: cfg.ConflictRetries,
		stuckTimeout:    cfg.StuckTimeout,
		eventRetention:  cfg.EventRetention,
	}
}

// SetEventDedupCache wires the optional Redis fast path in front of the
// durable processed-event ledger.
func (s *Service) SetEventDedupCache(cache *RedisEventCache) {
	s.dedupCache = cache
}

// InitiatePayment creates (or idempotently returns) the escrow transaction
// funding a job and registers the payment intent with the processor.
func (s *Service) InitiatePayment(ctx context.Context, payerID uuid.UUID, req domain.InitiatePaymentRequest) (*domain.EscrowTransaction, error) {
	gross, err := domain.NewMoney(req.Amount, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !gross.IsPositive() {
		return nil, fmt.Errorf("%w: gross amount must be strictly positive", ErrValidation)
	}
	if s.currency != "" && gross.Currency != s.currency {
		return nil, fmt.Errorf("%w: unsupported currency %s", ErrValidation, gross.Currency)
	}
	if req.JobID == uuid.Nil || req.PayeeID == uuid.Nil {
		return nil, fmt.Errorf("%w: job and payee are required", ErrValidation)
	}
	if req.PayeeID == payerID {
		return nil, fmt.Errorf("%w: payer and payee must be distinct", ErrValidation)
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		// One logical payment per (job, intent) regardless of retries.
		idempotencyKey = fmt.Sprintf("job:%s:payment", req.JobID)
	}

	fee, net, err := ComputeFee(gross, s.feeSchedule)
	if err != nil {
		return nil, err
	}

	candidate := &domain.EscrowTransaction{
		ID:             uuid.New(),
		JobID:          req.JobID,
		PayerID:        payerID,
		PayeeID:        req.PayeeID,
		GrossAmount:    gross,
		PlatformFee:    fee,
		NetAmount:      net,
		State:          domain.StateCreated,
		IdempotencyKey: idempotencyKey,
		Version:        1,
	}

	tx, created, err := s.repo.CreateTransaction(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow transaction: %w", err)
	}
	if !created {
		log.Printf("level=info component=service flow=initiate msg=\"idempotent replay\" transaction_id=%s idempotency_key=%s state=%s", tx.ID, tx.IdempotencyKey, tx.State)
		if tx.State != domain.StateCreated {
			return tx, nil
		}
		// A prior initiate stalled before the intent was registered; fall
		// through and retry intent creation under the same idempotency key.
	}

	resp, err := s.gateway.CreateIntent(ctx, tx.IdempotencyKey, processor.IntentRequest{
		Amount:   gross.Amount,
		Currency: gross.Currency,
		PayerRef: payerID.String(),
	})
	if err != nil {
		var procErr *processor.Error
		if errors.As(err, &procErr) && procErr.Category == processor.CategoryUnknown {
			// The intent may exist processor-side. The transaction stays
			// CREATED; a caller retry re-sends the same idempotency key.
			log.Printf("level=warn component=service flow=initiate msg=\"ambiguous intent creation; left for retry\" transaction_id=%s err=%v", tx.ID, err)
			return tx, nil
		}
		return nil, fmt.Errorf("processor intent creation failed: %w", err)
	}

	updated, err := s.recordTransition(ctx, tx, domain.StateIntentPending, "payment intent registered", "api:initiate", &resp.ID)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInvalidTransition) {
			// A concurrent identical initiate won the edge; its result stands.
			return s.repo.GetTransaction(ctx, tx.ID)
		}
		return nil, err
	}
	return updated, nil
}

// ConfirmPayment finalizes the client-side authentication step: it verifies the
// processor authorized the intent and captures the funds into escrow.
func (s *Service) ConfirmPayment(ctx context.Context, callerID uuid.UUID, txID uuid.UUID) (*domain.EscrowTransaction, error) {
	tx, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.PayerID != callerID {
		return nil, ErrNotPayer
	}

	switch tx.State {
	case domain.StateHeld, domain.StateReleasing, domain.StateReleased, domain.StateRefunding, domain.StateRefunded, domain.StateDisputed:
		// Funds already captured; confirming again is a no-op.
		return tx, nil
	case domain.StateIntentPending:
		// The authorization webhook may not have landed yet; ask the
		// processor directly rather than failing the confirm.
		if tx.ProcessorReference == nil {
			return nil, fmt.Errorf("%w: transaction has no processor reference", ErrValidation)
		}
		status, err := s.gateway.GetPaymentStatus(ctx, *tx.ProcessorReference)
		if err != nil {
			return tx, nil // ambiguous; leave pending for webhook or sweep
		}
		if status.Status != "authorized" && status.Status != "held" {
			return tx, nil // not yet authorized; stays pending
		}
		tx, err = s.recordTransition(ctx, tx, domain.StateAuthorized, "authorization confirmed by status query", "api:confirm", nil)
		if err != nil {
			if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInvalidTransition) {
				return s.repo.GetTransaction(ctx, txID)
			}
			return nil, err
		}
	case domain.StateAuthorized:
		// fall through to capture
	default:
		return nil, fmt.Errorf("%w: cannot confirm from state %s", ErrInvalidTransition, tx.State)
	}

	if tx.ProcessorReference == nil {
		return nil, fmt.Errorf("%w: transaction has no processor reference", ErrValidation)
	}
	_, err = s.gateway.CaptureHold(ctx, tx.IdempotencyKey, *tx.ProcessorReference, processor.CaptureRequest{
		Amount: tx.GrossAmount.Amount,
	})
	if err != nil {
		var procErr *processor.Error
		if errors.As(err, &procErr) {
			switch procErr.Category {
			case processor.CategoryDeclined:
				failed, ferr := s.recordTransition(ctx, tx, domain.StateFailed, "capture declined: "+procErr.Detail, "api:confirm", nil)
				if ferr != nil {
					return nil, ferr
				}
				return failed, fmt.Errorf("capture declined: %w", err)
			case processor.CategoryUnknown, processor.CategoryRetryable:
				log.Printf("level=warn component=service flow=confirm msg=\"ambiguous capture; left for reconciliation\" transaction_id=%s err=%v", tx.ID, err)
				return tx, nil
			}
		}
		return nil, fmt.Errorf("capture failed: %w", err)
	}

	held, err := s.recordTransition(ctx, tx, domain.StateHeld, "funds captured into escrow", "api:confirm", nil)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInvalidTransition) {
			// The capture webhook beat us to the edge.
			return s.repo.GetTransaction(ctx, txID)
		}
		return nil, err
	}
	return held, nil
}

// ReleaseFunds moves a held transaction into RELEASING and asks the processor
// to pay the net amount to the payee. Calling it on a transaction already
// releasing or released is a no-op success: the job-completion handler may
// retry without knowledge of delivery status.
func (s *Service) ReleaseFunds(ctx context.Context, txID uuid.UUID, causedBy string) (*domain.EscrowTransaction, error) {
	return s.startPayout(ctx, txID, domain.StateReleasing, causedBy)
}

// RefundFunds moves a held transaction into REFUNDING and asks the processor
// to return the gross amount to the payer. Idempotent like ReleaseFunds.
func (s *Service) RefundFunds(ctx context.Context, txID uuid.UUID, causedBy string) (*domain.EscrowTransaction, error) {
	return s.startPayout(ctx, txID, domain.StateRefunding, causedBy)
}

// startPayout performs the HELD -> RELEASING/REFUNDING edge and initiates the
// corresponding processor operation. Exactly one of any set of concurrent
// callers wins the CAS and talks to the processor.
func (s *Service) startPayout(ctx context.Context, txID uuid.UUID, target domain.State, causedBy string) (*domain.EscrowTransaction, error) {
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		tx, err := s.repo.GetTransaction(ctx, txID)
		if err != nil {
			return nil, err
		}

		if done, result := payoutAlreadyUnderway(tx, target); done {
			return result, nil
		}
		// Only HELD funds can be moved by a party. DISPUTED transactions leave
		// that state through ResolveDispute alone.
		if tx.State != domain.StateHeld {
			return nil, fmt.Errorf("%w: cannot move %s -> %s", ErrInvalidTransition, tx.State, target)
		}

		moved, err := s.recordTransition(ctx, tx, target, payoutReason(target), causedBy, nil)
		if err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				continue // re-read; the other writer may have been this same payout
			}
			return nil, err
		}

		return s.initiatePayout(ctx, moved, causedBy)
	}
	return nil, ErrConcurrencyConflict
}

// payoutAlreadyUnderway reports whether the requested payout has already been
// started or finished, which callers treat as success.
func payoutAlreadyUnderway(tx *domain.EscrowTransaction, target domain.State) (bool, *domain.EscrowTransaction) {
	switch target {
	case domain.StateReleasing:
		if tx.State == domain.StateReleasing || tx.State == domain.StateReleased {
			return true, tx
		}
	case domain.StateRefunding:
		if tx.State == domain.StateRefunding || tx.State == domain.StateRefunded {
			return true, tx
		}
	}
	return false, nil
}

func payoutReason(target domain.State) string {
	if target == domain.StateReleasing {
		return "release requested"
	}
	return "refund requested"
}

// initiatePayout calls the processor for a transaction already in RELEASING or
// REFUNDING. Declined moves the transaction back to HELD (retry-eligible);
// ambiguous outcomes leave it for the reconciliation sweep.
func (s *Service) initiatePayout(ctx context.Context, tx *domain.EscrowTransaction, causedBy string) (*domain.EscrowTransaction, error) {
	if tx.ProcessorReference == nil {
		return nil, fmt.Errorf("%w: transaction has no processor reference", ErrValidation)
	}

	var err error
	if tx.State == domain.StateReleasing {
		_, err = s.gateway.CreateTransfer(ctx, tx.IdempotencyKey, *tx.ProcessorReference, processor.TransferRequest{
			Amount:   tx.NetAmount.Amount,
			Currency: tx.NetAmount.Currency,
			PayeeRef: tx.PayeeID.String(),
		})
	} else {
		_, err = s.gateway.CreateRefund(ctx, tx.IdempotencyKey, *tx.ProcessorReference, processor.RefundRequest{
			Amount:   tx.GrossAmount.Amount,
			Currency: tx.GrossAmount.Currency,
		})
	}
	if err == nil {
		// Completion arrives asynchronously (transfer.paid / refund.succeeded).
		return tx, nil
	}

	var procErr *processor.Error
	if errors.As(err, &procErr) && procErr.Category == processor.CategoryDeclined {
		reverted, rerr := s.recordTransition(ctx, tx, domain.StateHeld, "payout declined: "+procErr.Detail, causedBy, nil)
		if rerr != nil {
			log.Printf("level=error component=service flow=payout msg=\"declined payout could not revert to held\" transaction_id=%s err=%v", tx.ID, rerr)
			return nil, rerr
		}
		return reverted, fmt.Errorf("payout declined: %w", err)
	}

	// Retryable-exhausted or Unknown: the operation may have gone through.
	// Leave the transient state; the sweep resolves it from the processor's
	// authoritative answer.
	log.Printf("level=warn component=service flow=payout msg=\"ambiguous payout outcome; left for reconciliation\" transaction_id=%s state=%s err=%v", tx.ID, tx.State, err)
	return tx, nil
}

// ResolveDispute settles a disputed transaction in favor of one party and
// initiates the corresponding payout.
func (s *Service) ResolveDispute(ctx context.Context, txID uuid.UUID, favorPayee bool, causedBy string) (*domain.EscrowTransaction, error) {
	target := domain.StateRefunding
	reason := "dispute resolved in favor of payer"
	if favorPayee {
		target = domain.StateReleasing
		reason = "dispute resolved in favor of payee"
	}

	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		tx, err := s.repo.GetTransaction(ctx, txID)
		if err != nil {
			return nil, err
		}
		if done, result := payoutAlreadyUnderway(tx, target); done {
			return result, nil
		}
		if tx.State != domain.StateDisputed {
			return nil, fmt.Errorf("%w: cannot resolve dispute from state %s", ErrInvalidTransition, tx.State)
		}

		moved, err := s.recordTransition(ctx, tx, target, reason, causedBy, nil)
		if err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				continue
			}
			return nil, err
		}
		return s.initiatePayout(ctx, moved, causedBy)
	}
	return nil, ErrConcurrencyConflict
}

// ReleaseForJob releases every held transaction funding a job. Used by the
// job-completion consumer, which only knows the job id.
func (s *Service) ReleaseForJob(ctx context.Context, jobID uuid.UUID, causedBy string) error {
	txs, err := s.repo.ListTransactionsByJob(ctx, jobID)
	if err != nil {
		return err
	}
	for i := range txs {
		tx := &txs[i]
		if tx.State != domain.StateHeld && !payoutUnderwayState(tx.State) {
			continue
		}
		if _, err := s.ReleaseFunds(ctx, tx.ID, causedBy); err != nil {
			// A declined transfer already reverted the transaction to HELD
			// durably. Requeueing the job event would just replay the decline;
			// the payer's release endpoint retries it instead.
			var procErr *processor.Error
			if errors.As(err, &procErr) && procErr.Category == processor.CategoryDeclined {
				log.Printf("level=warn component=service flow=release_for_job msg=\"transfer declined; funds remain held\" job_id=%s transaction_id=%s err=%v", jobID, tx.ID, err)
				continue
			}
			return fmt.Errorf("release for job %s transaction %s: %w", jobID, tx.ID, err)
		}
	}
	return nil
}

func payoutUnderwayState(state domain.State) bool {
	return state == domain.StateReleasing || state == domain.StateReleased
}

// GetTransactionStatus returns the full record, its history, and the
// user-visible status.
func (s *Service) GetTransactionStatus(ctx context.Context, txID uuid.UUID) (*domain.TransactionStatus, error) {
	tx, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.GetStateHistory(ctx, txID)
	if err != nil {
		return nil, err
	}
	return &domain.TransactionStatus{
		Transaction:   tx,
		History:       history,
		DisplayStatus: tx.State.DisplayStatus(),
	}, nil
}

// GetTransaction loads a single escrow transaction.
func (s *Service) GetTransaction(ctx context.Context, txID uuid.UUID) (*domain.EscrowTransaction, error) {
	return s.repo.GetTransaction(ctx, txID)
}

// ListJobTransactions returns the escrow transactions funding a job.
func (s *Service) ListJobTransactions(ctx context.Context, jobID uuid.UUID) ([]domain.EscrowTransaction, error) {
	return s.repo.ListTransactionsByJob(ctx, jobID)
}

// RecordProcessorResult applies a single state edge on behalf of a processor
// outcome, guarded by the caller's expected version. A stale version fails
// with ErrConcurrencyConflict and never mutates state; an illegal edge fails
// with ErrInvalidTransition so out-of-order delivery cannot corrupt state.
func (s *Service) RecordProcessorResult(ctx context.Context, txID uuid.UUID, expectedVersion int64, to domain.State, reason, causedBy string) (*domain.EscrowTransaction, error) {
	tx, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Version != expectedVersion {
		return nil, fmt.Errorf("%w: version %d, expected %d", ErrConcurrencyConflict, tx.Version, expectedVersion)
	}
	return s.recordTransition(ctx, tx, to, reason, causedBy, nil)
}

// recordTransition validates and commits one edge from the observed snapshot
// of tx, then emits the domain event if the edge reached a terminal state.
// The version CAS at the store guarantees the event is emitted exactly once:
// only the committing writer reaches the publish.
func (s *Service) recordTransition(ctx context.Context, tx *domain.EscrowTransaction, to domain.State, reason, causedBy string, processorRef *string) (*domain.EscrowTransaction, error) {
	if err := validateTransition(tx.State, to); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateTransactionState(ctx, tx.ID, tx.Version, store.StateChange{
		FromState:          tx.State,
		ToState:            to,
		Reason:             reason,
		CausedBy:           causedBy,
		ProcessorReference: processorRef,
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		return nil, err
	}

	log.Printf("level=info component=service msg=\"state transition committed\" transaction_id=%s from=%s to=%s caused_by=%s version=%d", updated.ID, tx.State, to, causedBy, updated.Version)

	if to.IsTerminal() {
		s.emitTerminalEvent(ctx, updated)
	}
	return updated, nil
}

// emitTerminalEvent publishes jobPaymentStateChanged for the job and
// notification services. Publish failures are logged, not propagated: the
// state change is already durable and must not be rolled back for a broker
// hiccup.
func (s *Service) emitTerminalEvent(ctx context.Context, tx *domain.EscrowTransaction) {
	var routingKey string
	switch tx.State {
	case domain.StateReleased:
		routingKey = routingKeyReleased
	case domain.StateRefunded:
		routingKey = routingKeyRefunded
	case domain.StateFailed:
		routingKey = routingKeyFailed
	default:
		return
	}

	event := domain.JobPaymentStateChangedEvent{
		JobID:         tx.JobID,
		TransactionID: tx.ID,
		PayerID:       tx.PayerID,
		PayeeID:       tx.PayeeID,
		NewState:      tx.State,
		GrossAmount:   tx.GrossAmount,
		NetAmount:     tx.NetAmount,
		OccurredAt:    time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish terminal event\" transaction_id=%s routing_key=%s err=%v", tx.ID, routingKey, err)
	}
}
