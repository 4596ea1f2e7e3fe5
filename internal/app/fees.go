/**
 * @description
 * Pure platform-fee computation. Given a fee schedule (percentage plus fixed
 * component) and a gross amount, ComputeFee splits it into the platform fee
 * and the net amount owed to the payee, with integer-only arithmetic.
 *
 * @notes
 * - The payee share is rounded down; any rounding remainder is absorbed into
 *   the platform fee so the sum of fee and net always equals gross exactly and
 *   the payee is never over-released by a fractional minor unit.
 * - The schedule is applied once at initiation and the resulting amounts are
 *   frozen on the transaction; schedule changes never retroactively alter an
 *   in-flight payment.
 */

package app

import (
	"fmt"

	"github.com/homeline/escrow-service/internal/domain"
)

// FeeSchedule describes the platform's cut of a job payment.
type FeeSchedule struct {
	PercentBps int64        // basis points, e.g. 500 = 5%
	Fixed      domain.Money // flat component per transaction
}

// ComputeFee splits gross into platform fee and payee net such that
// fee + net == gross exactly. Fully deterministic, no I/O.
func ComputeFee(gross domain.Money, schedule FeeSchedule) (fee domain.Money, net domain.Money, err error) {
	if gross.Amount < 0 {
		return fee, net, fmt.Errorf("%w: gross amount must not be negative", ErrValidation)
	}
	if schedule.PercentBps < 0 || schedule.PercentBps > 10000 {
		return fee, net, fmt.Errorf("%w: fee percent out of range: %d bps", ErrValidation, schedule.PercentBps)
	}
	if schedule.Fixed.Amount < 0 {
		return fee, net, fmt.Errorf("%w: fixed fee must not be negative", ErrValidation)
	}
	if schedule.Fixed.Amount > 0 && schedule.Fixed.Currency != gross.Currency {
		return fee, net, fmt.Errorf("%w: fee schedule currency %s does not match %s", ErrValidation, schedule.Fixed.Currency, gross.Currency)
	}

	// Ceiling division keeps the remainder with the platform, not the payee.
	percentFee := (gross.Amount*schedule.PercentBps + 9999) / 10000
	feeAmount := percentFee + schedule.Fixed.Amount
	if feeAmount > gross.Amount {
		feeAmount = gross.Amount
	}

	fee = domain.Money{Amount: feeAmount, Currency: gross.Currency}
	net = domain.Money{Amount: gross.Amount - feeAmount, Currency: gross.Currency}
	return fee, net, nil
}
