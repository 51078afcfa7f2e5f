/**
 * @description
 * Consumes asynchronous transfer status events from the broker (the gateway's
 * status-callback path) and applies them to the ledger through the same
 * compare-and-set finalize the orchestrator and reconciler use. Replayed or
 * stale events against an already-terminal attempt are acknowledged and
 * dropped, never re-applied.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/cardfund/ledger-service/internal/domain"
)

const consumerProcessTimeout = 30 * time.Second

// TransferStatusConsumer handles broker-delivered gateway status events.
type TransferStatusConsumer struct {
	svc *Service
}

// TransferStatusConsumer returns the consumer bound to this service.
func (s *Service) TransferStatusConsumer() *TransferStatusConsumer {
	return &TransferStatusConsumer{svc: s}
}

// HandleMessage is the broker callback. Returning false requeues the message;
// that is reserved for retryable infrastructure failures so a poison message
// cannot wedge the queue.
func (c *TransferStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.TransferStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=status_consumer msg=\"undecodable event dropped\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerProcessTimeout)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Printf("level=warn component=status_consumer msg=\"finalize contention; re-queuing event\" gateway_transfer_id=%s err=%v", event.GatewayTransferID, err)
			return false
		}
		log.Printf("level=error component=status_consumer msg=\"event processing failed; re-queuing\" gateway_transfer_id=%s err=%v", event.GatewayTransferID, err)
		return false
	}
	return true
}

func (c *TransferStatusConsumer) processEvent(ctx context.Context, event domain.TransferStatusEvent) error {
	if event.GatewayTransferID == "" {
		log.Printf("level=warn component=status_consumer msg=\"event without gateway transfer id dropped\" event_id=%s", event.EventID)
		return nil
	}

	attempt, err := c.svc.repo.FindAttemptByGatewayTransferID(ctx, event.GatewayTransferID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Events can arrive for transfers initiated by other systems sharing
			// the gateway. Not ours, not an error.
			log.Printf("level=info component=status_consumer msg=\"event for unknown transfer dropped\" gateway_transfer_id=%s", event.GatewayTransferID)
			return nil
		}
		return err
	}

	if attempt.Status.Terminal() {
		log.Printf("level=info component=status_consumer msg=\"replayed event for terminal attempt ignored\" attempt_id=%s attempt_status=%s event_status=%s", attempt.ID, attempt.Status, event.Status)
		return nil
	}

	terminal, err := c.svc.resolveGatewayStatus(ctx, attempt.ID, event.Status, event.Reason, "status_consumer")
	if err != nil {
		return err
	}
	if !terminal {
		log.Printf("level=info component=status_consumer msg=\"non-terminal event acknowledged\" attempt_id=%s event_status=%s", attempt.ID, event.Status)
	}
	return nil
}
