/**
 * @description
 * Broker-driven release path: consumes job.completed events from the job
 * service and releases the held funds for the completed job. This is the
 * automatic counterpart of the payer-initiated release endpoint.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/homeline/escrow-service/internal/domain"
)

// RoutingKeyJobCompleted is the binding for job completion events.
const RoutingKeyJobCompleted = "job.completed"

// JobCompletionConsumer handles job.completed messages from the broker.
type JobCompletionConsumer struct {
	service *Service
}

// NewJobCompletionConsumer creates a consumer bound to the service.
func NewJobCompletionConsumer(service *Service) *JobCompletionConsumer {
	return &JobCompletionConsumer{service: service}
}

// HandleMessage processes one job.completed delivery. Returns true to ack.
// Releases are idempotent, so a redelivered message acks cleanly even when the
// funds were already released.
func (c *JobCompletionConsumer) HandleMessage(body []byte) bool {
	var event domain.JobCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// Malformed payloads never become processable; drop, don't requeue.
		log.Printf("level=error component=job_consumer msg=\"malformed job.completed payload; dropping\" err=%v", err)
		return true
	}
	if event.JobID == uuid.Nil {
		log.Printf("level=error component=job_consumer msg=\"job.completed without job id; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.service.ReleaseForJob(ctx, event.JobID, "consumer:"+RoutingKeyJobCompleted); err != nil {
		log.Printf("level=error component=job_consumer msg=\"release failed; requeueing\" job_id=%s err=%v", event.JobID, err)
		return false
	}
	log.Printf("level=info component=job_consumer msg=\"job completion processed\" job_id=%s", event.JobID)
	return true
}
