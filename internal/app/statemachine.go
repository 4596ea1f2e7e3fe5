/**
 * @description
 * The escrow state machine: the legal lifecycle edges of an escrow transaction
 * and the validation applied before any transition is persisted. Transitions
 * are committed through the store's optimistic version check, so concurrent
 * writers on the same transaction are serialized without locks.
 *
 * @notes
 * - The edge table is the single source of truth for what may happen to money.
 *   Every mutation path (API call, webhook, sweep, dispute resolution) funnels
 *   through it; an illegal edge is reported, never silently ignored, so
 *   duplicate or out-of-order webhook delivery cannot corrupt state.
 * - RELEASING and REFUNDING both fall back to HELD on processor failure and
 *   are mutually exclusive afterwards, which is what guarantees released plus
 *   refunded funds never exceed the gross amount.
 */

package app

import (
	"errors"
	"fmt"

	"github.com/homeline/escrow-service/internal/domain"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrConcurrencyConflict = errors.New("transaction modified concurrently")
	ErrNotPayer            = errors.New("caller is not the transaction payer")
)

// transitions is the edge table of the escrow lifecycle.
var transitions = map[domain.State][]domain.State{
	domain.StateCreated:       {domain.StateIntentPending},
	domain.StateIntentPending: {domain.StateAuthorized, domain.StateFailed},
	domain.StateAuthorized:    {domain.StateHeld, domain.StateFailed},
	domain.StateHeld:          {domain.StateReleasing, domain.StateRefunding, domain.StateDisputed},
	domain.StateReleasing:     {domain.StateReleased, domain.StateHeld},
	domain.StateRefunding:     {domain.StateRefunded, domain.StateHeld},
	domain.StateDisputed:      {domain.StateReleasing, domain.StateRefunding},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to domain.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// validateTransition returns ErrInvalidTransition when the edge is not legal.
func validateTransition(from, to domain.State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
