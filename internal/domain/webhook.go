/**
 * @description
 * This file defines the strongly-typed model for asynchronous notifications
 * delivered by the payment processor. Payloads are validated at the boundary
 * into a tagged EventType before any business logic runs.
 */

package domain

import (
	"encoding/json"
	"time"
)

// EventType enumerates the processor notifications this service understands.
type EventType string

const (
	EventPaymentIntentSucceeded EventType = "payment_intent.succeeded"
	EventPaymentIntentCaptured  EventType = "payment_intent.captured"
	EventPaymentIntentFailed    EventType = "payment_intent.failed"
	EventTransferPaid           EventType = "transfer.paid"
	EventTransferFailed         EventType = "transfer.failed"
	EventRefundSucceeded        EventType = "refund.succeeded"
	EventRefundFailed           EventType = "refund.failed"
	EventDisputeOpened          EventType = "dispute.opened"
	EventDisputeResolved        EventType = "dispute.resolved"
)

// Known reports whether t is an event type this service acts on. Unknown types
// are acknowledged and ignored so new processor events never cause redelivery
// storms.
func (t EventType) Known() bool {
	switch t {
	case EventPaymentIntentSucceeded, EventPaymentIntentCaptured, EventPaymentIntentFailed,
		EventTransferPaid, EventTransferFailed,
		EventRefundSucceeded, EventRefundFailed,
		EventDisputeOpened, EventDisputeResolved:
		return true
	}
	return false
}

// WebhookEvent is one parsed processor notification. It is transient: only the
// ProcessorEventID survives, in the processed-event ledger, to guarantee
// at-most-once application.
type WebhookEvent struct {
	ProcessorEventID   string          `json:"id"`
	Type               EventType       `json:"type"`
	ProcessorReference string          `json:"payment_reference"` // the processor's charge id
	Payload            json.RawMessage `json:"data,omitempty"`
	ReceivedAt         time.Time       `json:"-"`
}

// DisputeResolutionPayload is the payload of a dispute.resolved event.
type DisputeResolutionPayload struct {
	Outcome string `json:"outcome"` // "payee" or "payer"
	Reason  string `json:"reason,omitempty"`
}
