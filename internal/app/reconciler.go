/**
 * @description
 * Webhook reconciler: applies processor notifications to escrow transactions
 * exactly once. Deduplication is two-tier: a Redis SETNX fast path in front
 * of a durable Postgres ledger. Every apply goes through the same
 * validated, version-checked transition path as the synchronous API.
 *
 * @notes
 * - Out-of-order and duplicate deliveries are the normal case, not an error:
 *   an edge rejected by the state machine means the transition (or a stronger
 *   one) already happened, and the delivery is acknowledged as a duplicate.
 * - The ledger entry is written BEFORE the transition. If the apply then fails
 *   internally, the entry (and the Redis marker) is removed best-effort so the
 *   processor's redelivery can retry; if the unmark itself fails, the sweep
 *   still converges the transaction from the processor's status query.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/homeline/escrow-service/internal/domain"
	"github.com/homeline/escrow-service/internal/store"
)

// Disposition is the terminal outcome of handling one webhook delivery.
type Disposition string

const (
	// DispositionApplied means the event caused a state transition.
	DispositionApplied Disposition = "applied"
	// DispositionDuplicate means the event was already processed, or its edge
	// had already been taken by another signal.
	DispositionDuplicate Disposition = "duplicate"
	// DispositionIgnored means the event type is unknown or carries no action
	// for the referenced transaction.
	DispositionIgnored Disposition = "ignored"
)

// HandleWebhookEvent processes one verified processor notification. Signature
// verification happens at the HTTP boundary; by the time an event reaches
// here it is authentic.
func (s *Service) HandleWebhookEvent(ctx context.Context, event domain.WebhookEvent) (Disposition, error) {
	if event.ProcessorEventID == "" {
		return DispositionIgnored, fmt.Errorf("%w: webhook event has no id", ErrValidation)
	}
	if !event.Type.Known() {
		log.Printf("level=info component=reconciler msg=\"ignoring unknown event type\" event_id=%s type=%s", event.ProcessorEventID, event.Type)
		return DispositionIgnored, nil
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	if s.dedupCache.SeenBefore(ctx, event.ProcessorEventID) {
		return DispositionDuplicate, nil
	}

	first, err := s.repo.MarkEventProcessed(ctx, event.ProcessorEventID, event.Type, event.ReceivedAt)
	if err != nil {
		s.dedupCache.Forget(ctx, event.ProcessorEventID)
		return "", fmt.Errorf("record webhook event: %w", err)
	}
	if !first {
		return DispositionDuplicate, nil
	}

	disposition, err := s.applyWebhookEvent(ctx, event)
	if err != nil {
		// Give the redelivery a chance: drop the dedup markers.
		s.dedupCache.Forget(ctx, event.ProcessorEventID)
		if uerr := s.repo.UnmarkEventProcessed(ctx, event.ProcessorEventID); uerr != nil {
			log.Printf("level=error component=reconciler msg=\"failed to unmark event after apply error\" event_id=%s err=%v", event.ProcessorEventID, uerr)
		}
		return "", err
	}
	return disposition, nil
}

// applyWebhookEvent maps the event to a state edge and commits it with a
// bounded retry on version conflicts.
func (s *Service) applyWebhookEvent(ctx context.Context, event domain.WebhookEvent) (Disposition, error) {
	tx, err := s.repo.GetTransactionByProcessorReference(ctx, event.ProcessorReference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			// A charge we never created an intent for, or one created in a
			// prior deployment. Acknowledge so the processor stops retrying.
			log.Printf("level=warn component=reconciler msg=\"event references unknown transaction\" event_id=%s reference=%s", event.ProcessorEventID, event.ProcessorReference)
			return DispositionIgnored, nil
		}
		return "", err
	}

	if event.Type == domain.EventDisputeResolved {
		return s.applyDisputeResolution(ctx, tx, event)
	}

	target, reason, ok := webhookEdge(event.Type)
	if !ok {
		return DispositionIgnored, nil
	}

	causedBy := "webhook:" + string(event.Type)
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		_, err := s.recordTransition(ctx, tx, target, reason, causedBy, nil)
		if err == nil {
			return DispositionApplied, nil
		}
		if errors.Is(err, ErrInvalidTransition) {
			// The edge was already taken (duplicate or out-of-order delivery).
			log.Printf("level=info component=reconciler msg=\"transition already superseded\" event_id=%s transaction_id=%s state=%s target=%s", event.ProcessorEventID, tx.ID, tx.State, target)
			return DispositionDuplicate, nil
		}
		if errors.Is(err, ErrConcurrencyConflict) {
			tx, err = s.repo.GetTransaction(ctx, tx.ID)
			if err != nil {
				return "", err
			}
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("%w: webhook apply retries exhausted for event %s", ErrConcurrencyConflict, event.ProcessorEventID)
}

// applyDisputeResolution handles dispute.resolved, which both moves state and
// starts the corresponding payout at the processor.
func (s *Service) applyDisputeResolution(ctx context.Context, tx *domain.EscrowTransaction, event domain.WebhookEvent) (Disposition, error) {
	// A payload that cannot be parsed now will never parse on redelivery.
	// Acknowledge and leave the transaction DISPUTED for the operator surface
	// instead of forcing the processor into an endless redelivery loop.
	var payload domain.DisputeResolutionPayload
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			log.Printf("level=warn component=reconciler msg=\"malformed dispute resolution payload; awaiting operator resolution\" event_id=%s transaction_id=%s err=%v", event.ProcessorEventID, tx.ID, err)
			return DispositionIgnored, nil
		}
	}

	var favorPayee bool
	switch payload.Outcome {
	case "payee":
		favorPayee = true
	case "payer":
		favorPayee = false
	default:
		log.Printf("level=warn component=reconciler msg=\"unrecognized dispute resolution outcome; awaiting operator resolution\" event_id=%s transaction_id=%s outcome=%q", event.ProcessorEventID, tx.ID, payload.Outcome)
		return DispositionIgnored, nil
	}

	_, err := s.ResolveDispute(ctx, tx.ID, favorPayee, "webhook:"+string(event.Type))
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return DispositionDuplicate, nil
		}
		return "", err
	}
	return DispositionApplied, nil
}

// webhookEdge maps an event type to the state it drives the transaction to.
func webhookEdge(t domain.EventType) (domain.State, string, bool) {
	switch t {
	case domain.EventPaymentIntentSucceeded:
		return domain.StateAuthorized, "processor authorized intent", true
	case domain.EventPaymentIntentCaptured:
		return domain.StateHeld, "processor captured funds", true
	case domain.EventPaymentIntentFailed:
		return domain.StateFailed, "processor reported intent failure", true
	case domain.EventTransferPaid:
		return domain.StateReleased, "processor paid transfer", true
	case domain.EventTransferFailed:
		return domain.StateHeld, "processor transfer failed; funds remain held", true
	case domain.EventRefundSucceeded:
		return domain.StateRefunded, "processor completed refund", true
	case domain.EventRefundFailed:
		return domain.StateHeld, "processor refund failed; funds remain held", true
	case domain.EventDisputeOpened:
		return domain.StateDisputed, "processor opened dispute", true
	}
	return "", "", false
}
