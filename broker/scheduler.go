package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suffragium/suffragium/internal/retry"
	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/storage"
	"github.com/suffragium/suffragium/types"
)

// CentralDestination is the breaker key of the central tally.
const CentralDestination = "central"

// CentralClient delivers offers to the central tally. Calls carry a deadline
// and are safe to repeat (central dedups by ballotId).
type CentralClient interface {
	ReceiveBallot(ctx context.Context, offer *types.Offer) (*types.Ack, error)
}

// ConfirmClient delivers asynchronous confirmations back to a station,
// addressed by the confirm URL the station registered at transmit time.
type ConfirmClient interface {
	ConfirmReception(ctx context.Context, confirmURL string, confirm *types.Confirm) error
}

// SchedulerConfig groups the scheduler tunables.
type SchedulerConfig struct {
	// ScanInterval is the period of the pending-record re-scan.
	ScanInterval time.Duration
	// SendTimeout is the per-call deadline of sends to central.
	SendTimeout time.Duration
	// Backoff parameters: next attempt after base·mult^attempts, capped.
	BackoffBase time.Duration
	BackoffMult float64
	BackoffMax  time.Duration
	// QuarantineAfter is the attempt count after which a record is
	// quarantined (operator-retriable).
	QuarantineAfter int
	// MaxInflight bounds concurrent sends to the destination.
	MaxInflight int
}

// DefaultSchedulerConfig returns the scheduler tunables used when the daemon
// configuration does not override them.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ScanInterval:    5 * time.Second,
		SendTimeout:     10 * time.Second,
		BackoffBase:     time.Second,
		BackoffMult:     2,
		BackoffMax:      5 * time.Minute,
		QuarantineAfter: 10,
		MaxInflight:     4,
	}
}

// Scheduler drains the queue towards central, honoring the circuit breaker
// and the per-record backoff stage persisted in the log.
type Scheduler struct {
	cfg     SchedulerConfig
	queue   *Queue
	blog    *Log
	breaker *CircuitBreaker
	central CentralClient
	confirm ConfirmClient

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler. Start must be called to begin draining.
func NewScheduler(cfg SchedulerConfig, queue *Queue, blog *Log,
	breaker *CircuitBreaker, central CentralClient, confirm ConfirmClient,
) *Scheduler {
	if cfg.ScanInterval == 0 {
		cfg = DefaultSchedulerConfig()
	}
	return &Scheduler{
		cfg:     cfg,
		queue:   queue,
		blog:    blog,
		breaker: breaker,
		central: central,
		confirm: confirm,
	}
}

// Start launches the drain loop: it wakes on every enqueue and on the
// periodic re-scan of pending records.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.queue.Signal():
			}
			s.drain(ctx)
		}
	}()
}

// Stop cancels the drain loop and waits for in-flight sends to settle.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// drain empties the queue, then re-scans the log for pending records whose
// backoff elapsed (queue misses after a crowded recovery, or failed sends).
// Strict priority order, FIFO within priority, bounded in-flight sends.
func (s *Scheduler) drain(ctx context.Context) {
	seen := make(map[string]struct{})
	var batch []*Record
	for {
		item := s.queue.Dequeue()
		if item == nil {
			break
		}
		record, err := s.blog.Get(item.BallotID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			log.Errorw(err, "failed to load broker record")
			continue
		}
		if record.State == types.BallotStateSent || record.Quarantined {
			continue
		}
		batch = append(batch, record)
		seen[string(item.BallotID)] = struct{}{}
	}

	pending, err := s.blog.ListPending()
	if err != nil {
		log.Errorw(err, "failed to scan pending broker records")
	} else {
		now := time.Now()
		for _, record := range pending {
			if _, ok := seen[string(record.BallotID)]; ok {
				continue
			}
			if s.due(record, now) {
				batch = append(batch, record)
			}
		}
	}
	if len(batch) == 0 {
		return
	}

	// ListPending is already priority-ordered; queue items were popped in
	// priority order too, so a stable re-sort keeps the strict ordering.
	sortRecords(batch)

	// Destination down and not yet probing: the whole batch waits.
	if s.breaker.IsOpen(CentralDestination) {
		for _, record := range batch {
			if err := s.blog.CountWait(record.BallotID); err != nil {
				log.Errorw(err, "failed to record wait attempt")
			}
		}
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxInflight)
	for _, record := range batch {
		if groupCtx.Err() != nil {
			break
		}
		if !s.breaker.Allow(CentralDestination) {
			if err := s.blog.CountWait(record.BallotID); err != nil {
				log.Errorw(err, "failed to record wait attempt")
			}
			continue
		}
		group.Go(func() error {
			s.deliver(groupCtx, record)
			return nil
		})
	}
	_ = group.Wait()
}

// due reports whether a record's backoff window has elapsed.
func (s *Scheduler) due(record *Record, now time.Time) bool {
	if record.Attempts == 0 {
		return true
	}
	wait := retry.Backoff(s.cfg.BackoffBase, s.cfg.BackoffMult, s.cfg.BackoffMax, record.Attempts)
	return now.Sub(record.LastAttempt) >= wait
}

// deliver sends one record to central and settles the outcome: mark sent and
// confirm the station, count the failure, or quarantine.
func (s *Scheduler) deliver(ctx context.Context, record *Record) {
	ballot, err := record.Ballot()
	if err != nil {
		log.Errorw(err, "unreadable broker record payload")
		if qerr := s.blog.Quarantine(record.BallotID, "unreadable payload"); qerr != nil {
			log.Errorw(qerr, "failed to quarantine broker record")
		}
		return
	}
	offer := types.OfferFromBallot(ballot, "")

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	ack, err := s.central.ReceiveBallot(callCtx, offer)
	cancel()
	if err != nil {
		s.settleFailure(record, err.Error())
		return
	}

	switch ack.Status {
	case types.ConfirmProcessed, types.ConfirmDuplicate:
		s.breaker.Success(CentralDestination)
		if err := s.blog.MarkSent(record.BallotID); err != nil {
			log.Errorw(err, "failed to mark broker record sent")
			return
		}
		s.confirmStation(ctx, record, &types.Confirm{
			BallotID: record.BallotID,
			Status:   ack.Status,
		})
	case types.ConfirmPermanentError:
		// Central refused the ballot for good; no amount of retrying helps.
		s.breaker.Success(CentralDestination)
		if err := s.blog.Quarantine(record.BallotID, ack.Message); err != nil {
			log.Errorw(err, "failed to quarantine refused record")
		}
		s.confirmStation(ctx, record, &types.Confirm{
			BallotID: record.BallotID,
			Status:   types.ConfirmPermanentError,
			Detail:   ack.Message,
		})
	default:
		s.settleFailure(record, fmt.Sprintf("central answered %s: %s", ack.Status, ack.Message))
	}
}

func (s *Scheduler) settleFailure(record *Record, reason string) {
	s.breaker.Failure(CentralDestination)
	if err := s.blog.CountAttempt(record.BallotID, reason); err != nil {
		log.Errorw(err, "failed to count delivery attempt")
		return
	}
	if record.Attempts+1 >= s.cfg.QuarantineAfter {
		log.Warnw("quarantining ballot after repeated delivery failures",
			"ballotId", record.BallotID.String(),
			"attempts", record.Attempts+1,
			"lastError", reason)
		if err := s.blog.Quarantine(record.BallotID, reason); err != nil {
			log.Errorw(err, "failed to quarantine broker record")
		}
	}
}

// confirmStation posts the asynchronous confirmation back to the station, if
// it registered a confirm address. Best effort: the station retry loop
// converges on the same state through re-offers answered as duplicates.
func (s *Scheduler) confirmStation(ctx context.Context, record *Record, confirm *types.Confirm) {
	if s.confirm == nil || record.ConfirmURL == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.confirm.ConfirmReception(callCtx, record.ConfirmURL, confirm); err != nil {
		log.Debugw("failed to confirm station",
			"ballotId", confirm.BallotID.String(),
			"confirmUrl", record.ConfirmURL,
			"error", err.Error())
	}
}

// ForceRetry lifts a quarantine and schedules the record immediately. Admin
// operation.
func (s *Scheduler) ForceRetry(ballotID types.BallotID) error {
	if err := s.blog.ForceRetry(ballotID); err != nil {
		return err
	}
	record, err := s.blog.Get(ballotID)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(record.BallotID, record.Priority, record.ArrivalTime)
}

func sortRecords(records []*Record) {
	// Insertion sort: batches are small and mostly ordered already.
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && recordLess(records[j], records[j-1]); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

func recordLess(a, b *Record) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ArrivalTime.Before(b.ArrivalTime)
}

// IsNotFound reports whether err means the record does not exist in the log.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
