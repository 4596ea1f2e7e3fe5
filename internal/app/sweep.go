/**
 * @description
 * Reconciliation sweep: the backstop that converges transactions stuck in a
 * transient state (missed webhooks, ambiguous processor outcomes) against the
 * processor's authoritative status query. Runs on a cron schedule and is also
 * invokable on demand through the internal API.
 *
 * @notes
 * - The processor's answer, not local state, is authoritative. A status ahead
 *   of the local state is walked edge by edge through the state machine so the
 *   history stays complete; version conflicts mean another writer got there
 *   first, which is exactly the convergence the sweep wants.
 * - DISPUTED transactions are skipped: disputes resolve through an operator
 *   decision or a processor event, never by a status poll.
 * - Each run also purges processed-event ledger rows past the retention window.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/homeline/escrow-service/internal/domain"
)

const sweepBatchSize = 100

// Sweeper drives periodic reconciliation runs.
type Sweeper struct {
	service  *Service
	schedule string
	cron     *cron.Cron
}

// NewSweeper creates a sweeper running on the given cron schedule
// (e.g. "@hourly").
func NewSweeper(service *Service, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "@hourly"
	}
	return &Sweeper{service: service, schedule: schedule}
}

// Start registers the cron job and begins running it. The entry runs with a
// timeout shorter than the schedule period so runs never overlap badly.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.service.RunReconciliation(ctx); err != nil {
			log.Printf("level=error component=sweeper msg=\"reconciliation run failed\" err=%v", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"reconciliation sweep scheduled\" schedule=%s", s.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunReconciliation executes one sweep: every transaction stuck in a transient
// state past the stuck timeout is checked against the processor and forced to
// the state the processor reports. Individual failures are logged and skipped
// so one bad transaction cannot stall the batch.
func (s *Service) RunReconciliation(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.stuckTimeout)
	stuck, err := s.repo.ListStuckTransactions(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return err
	}

	var resolved, skipped int
	for i := range stuck {
		tx := &stuck[i]
		outcome, err := s.reconcileTransaction(ctx, tx)
		if err != nil {
			skipped++
			log.Printf("level=warn component=sweeper msg=\"could not reconcile transaction\" transaction_id=%s state=%s err=%v", tx.ID, tx.State, err)
			continue
		}
		if outcome {
			resolved++
		}
	}
	log.Printf("level=info component=sweeper msg=\"reconciliation run complete\" checked=%d resolved=%d skipped=%d", len(stuck), resolved, skipped)

	purged, err := s.repo.PurgeProcessedEvents(ctx, time.Now().UTC().Add(-s.eventRetention))
	if err != nil {
		log.Printf("level=warn component=sweeper msg=\"ledger purge failed\" err=%v", err)
	} else if purged > 0 {
		log.Printf("level=info component=sweeper msg=\"purged processed-event ledger\" rows=%d", purged)
	}
	return nil
}

// reconcileTransaction converges one stuck transaction with the processor's
// view. Reports whether a transition was committed.
func (s *Service) reconcileTransaction(ctx context.Context, tx *domain.EscrowTransaction) (bool, error) {
	if tx.State == domain.StateDisputed {
		return false, nil
	}
	if tx.ProcessorReference == nil {
		// Intent creation never completed; nothing processor-side to query.
		// The payer's retry of initiate picks this up.
		return false, nil
	}

	status, err := s.gateway.GetPaymentStatus(ctx, *tx.ProcessorReference)
	if err != nil {
		return false, err
	}

	path := statesTowards(tx.State, status.Status)
	if len(path) == 0 {
		return false, nil
	}

	moved := false
	current := tx
	for _, next := range path {
		updated, err := s.recordTransition(ctx, current, next, "reconciled from processor status "+status.Status, "sweep", nil)
		if err != nil {
			if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInvalidTransition) {
				// Another writer advanced the transaction; converged enough.
				return moved, nil
			}
			return moved, err
		}
		current = updated
		moved = true
	}
	return moved, nil
}

// statesTowards computes the chain of edges that brings a transaction in
// `from` into line with the processor status. An empty chain means the local
// state already matches or the status carries no forced resolution.
func statesTowards(from domain.State, processorStatus string) []domain.State {
	switch processorStatus {
	case "authorized":
		if from == domain.StateIntentPending {
			return []domain.State{domain.StateAuthorized}
		}
	case "held":
		switch from {
		case domain.StateIntentPending:
			return []domain.State{domain.StateAuthorized, domain.StateHeld}
		case domain.StateAuthorized:
			return []domain.State{domain.StateHeld}
		case domain.StateReleasing, domain.StateRefunding:
			// The payout we thought we started never happened processor-side.
			return []domain.State{domain.StateHeld}
		}
	case "transferred":
		if from == domain.StateReleasing {
			return []domain.State{domain.StateReleased}
		}
	case "refunded":
		if from == domain.StateRefunding {
			return []domain.State{domain.StateRefunded}
		}
	case "failed":
		switch from {
		case domain.StateIntentPending, domain.StateAuthorized:
			return []domain.State{domain.StateFailed}
		}
	}
	return nil
}
