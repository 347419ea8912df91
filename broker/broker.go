package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/types"
)

// ErrInvalidOffer is returned by Accept when the offer fails validation.
var ErrInvalidOffer = errors.New("invalid ballot offer")

// Broker is the accept path of the relay tier: durable log first, queue
// second, so the two never disagree on membership.
type Broker struct {
	blog    *Log
	queue   *Queue
	breaker *CircuitBreaker
}

// NewBroker wires the accept path over an existing log, queue and breaker.
func NewBroker(blog *Log, queue *Queue, breaker *CircuitBreaker) *Broker {
	return &Broker{blog: blog, queue: queue, breaker: breaker}
}

// Accept takes one ballot offer from a station. On success the ballot is
// durably recorded and queued (or already SENT, which acks as a duplicate).
// A full queue refuses the offer before anything is written.
func (b *Broker) Accept(offer *types.Offer, priority int) (*types.Ack, error) {
	if err := b.validate(offer); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOffer, err)
	}
	if !types.ValidPriority(priority) {
		priority = types.PriorityNormal
	}

	// Re-offer of an already forwarded ballot: success no-op.
	if record, err := b.blog.Get(offer.BallotID); err == nil {
		if record.State == types.BallotStateSent {
			return &types.Ack{
				BallotID: offer.BallotID,
				Status:   types.ConfirmDuplicate,
				Message:  "already forwarded",
			}, nil
		}
	}

	if b.queue.Full() {
		return nil, ErrQueueFull
	}

	record, err := b.blog.Record(offer, priority)
	if err != nil {
		return nil, fmt.Errorf("record ballot: %w", err)
	}
	if err := b.queue.Enqueue(record.BallotID, record.Priority, record.ArrivalTime); err != nil {
		// Lost the capacity race after the durable write. The record stays
		// pending and the scheduler re-scan picks it up.
		log.Warnw("queue filled up after record write, deferring to re-scan",
			"ballotId", record.BallotID.String())
	}
	return &types.Ack{
		BallotID: offer.BallotID,
		Status:   types.ConfirmReceived,
	}, nil
}

func (b *Broker) validate(offer *types.Offer) error {
	ballot := offer.Ballot()
	if err := ballot.Valid(); err != nil {
		return err
	}
	if !ballot.VerifyIntegrity() {
		return fmt.Errorf("integrity hash mismatch")
	}
	// Reject timestamps too far in the future; skewed stations must fix
	// their clocks rather than poison arrival ordering.
	if ballot.Timestamp.After(time.Now().Add(time.Hour)) {
		return fmt.Errorf("ballot timestamp in the future")
	}
	return nil
}

// Stats returns the counters the stats monitor logs periodically.
func (b *Broker) Stats() map[string]any {
	counts := b.blog.CountByState()
	return map[string]any{
		"queued":    b.queue.Len(),
		"pending":   counts[types.BallotStatePending],
		"forwarded": counts[types.BallotStateSent],
		"breaker":   CircuitStateName(b.breaker.State(CentralDestination)),
	}
}
