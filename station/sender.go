package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/suffragium/suffragium/internal/retry"
	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/storage"
	"github.com/suffragium/suffragium/types"
)

// BrokerClient is the outbound side of the station: one call per offer, with
// a deadline, safe to repeat arbitrarily (the broker dedups by ballotId).
type BrokerClient interface {
	TransmitBallot(ctx context.Context, offer *types.Offer) (*types.Ack, error)
}

// SenderConfig groups the tunables of the station sender.
type SenderConfig struct {
	StationID  string
	ConfirmURL string // stable callback address carried in every offer
	// ScanInterval is the period of the retry loop scanning unconfirmed
	// entries.
	ScanInterval time.Duration
	// RetryDelay is the minimum age of an entry before it is retried.
	RetryDelay time.Duration
	// Backoff parameters: next attempt after base·mult^attempts, capped.
	BackoffBase time.Duration
	BackoffMult float64
	BackoffMax  time.Duration
	// SendTimeout is the per-call deadline of outbound transmissions.
	SendTimeout time.Duration
}

// DefaultSenderConfig returns the sender tunables used when the daemon
// configuration does not override them.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		ScanInterval: 5 * time.Second,
		RetryDelay:   2 * time.Second,
		BackoffBase:  time.Second,
		BackoffMult:  2,
		BackoffMax:   2 * time.Minute,
		SendTimeout:  10 * time.Second,
	}
}

// Sender drives ballots from cast to confirmation: it owns the cast critical
// section, the asynchronous first transmission and the retry loop over the
// outbox.
type Sender struct {
	cfg    SenderConfig
	roll   *Roll
	outbox *Outbox
	broker BrokerClient

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastCastTime time.Time
	castTimeLock sync.Mutex
}

// NewSender builds a sender. Start must be called before ballots flow.
func NewSender(cfg SenderConfig, roll *Roll, outbox *Outbox, broker BrokerClient) *Sender {
	if cfg.ScanInterval == 0 {
		def := DefaultSenderConfig()
		def.StationID, def.ConfirmURL = cfg.StationID, cfg.ConfirmURL
		cfg = def
	}
	return &Sender{
		cfg:    cfg,
		roll:   roll,
		outbox: outbox,
		broker: broker,
		wake:   make(chan struct{}, 1),
	}
}

// Cast runs the full voting critical section for one voter: authorize, build
// the ballot, durably append it and flip the roll to voted. Returning a
// ballotId implies the entry is durable; delivery is asynchronous.
func (s *Sender) Cast(candidateID, voterID string) (types.BallotID, error) {
	if candidateID == "" {
		return nil, fmt.Errorf("missing candidateId")
	}
	unlock := s.roll.Lock(voterID)
	defer unlock()

	if err := s.roll.Authorize(voterID); err != nil {
		return nil, err
	}

	ballot := &types.Ballot{
		BallotID:    types.NewBallotID(),
		CandidateID: candidateID,
		StationID:   s.cfg.StationID,
		Timestamp:   s.nextTimestamp(),
	}
	ballot.IntegrityHash = ballot.ComputeIntegrityHash()

	entry := &Entry{
		BallotID:    ballot.BallotID,
		CandidateID: ballot.CandidateID,
		VoterID:     voterID,
		Timestamp:   ballot.Timestamp,
	}
	if err := s.outbox.Append(entry); err != nil {
		// The vote was not durably recorded, so the voter did not vote.
		return nil, fmt.Errorf("could not durably record ballot: %w", err)
	}
	s.roll.MarkVoted(voterID)

	log.Infow("ballot cast",
		"ballotId", ballot.BallotID.String(),
		"candidateId", candidateID,
		"station", s.cfg.StationID)
	s.nudge()
	return ballot.BallotID, nil
}

// OnConfirm handles an asynchronous confirmation from downstream, keyed by
// ballotId. PROCESSED and DUPLICATE are terminal and treated identically;
// PERMANENT_ERROR moves the entry to rejected; transient statuses leave the
// entry pending for the retry loop.
func (s *Sender) OnConfirm(confirm *types.Confirm) error {
	switch confirm.Status {
	case types.ConfirmReceived:
		// A late RECEIVED after the terminal confirm is stale, not an error.
		if err := s.outbox.MarkSent(confirm.BallotID); err != nil &&
			!errors.Is(err, ErrInvalidTransition) {
			return err
		}
		return nil
	case types.ConfirmProcessed, types.ConfirmDuplicate:
		return s.outbox.MarkConfirmed(confirm.BallotID)
	case types.ConfirmPermanentError:
		log.Warnw("ballot permanently refused downstream",
			"ballotId", confirm.BallotID.String(), "detail", confirm.Detail)
		return s.reject(confirm.BallotID)
	case types.ConfirmTransientError:
		return s.outbox.CountAttempt(confirm.BallotID)
	default:
		return fmt.Errorf("unknown confirmation status %q", confirm.Status)
	}
}

// BallotState returns the delivery state of a ballot for the status query
// endpoint.
func (s *Sender) BallotState(ballotID types.BallotID) (int, error) {
	entry, err := s.outbox.Entry(ballotID)
	if err != nil {
		return 0, err
	}
	return entry.State, nil
}

// Start launches the retry loop. It keeps running until Stop is called.
func (s *Sender) Start(ctx context.Context) {
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
			case <-s.wake:
			}
			s.drain(ctx)
		}
	}()
}

// Stop cancels the retry loop and waits for any in-flight send to settle
// durably (either marked sent or left pending).
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// drain scans the unconfirmed entries and retransmits the ones whose backoff
// window has elapsed.
func (s *Sender) drain(ctx context.Context) {
	entries, err := s.outbox.ScanUnconfirmed()
	if err != nil {
		log.Errorw(err, "failed to scan outbox")
		return
	}
	now := time.Now()
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !s.due(entry, now) {
			continue
		}
		s.transmit(ctx, entry)
	}
}

// due reports whether an entry's backoff window has elapsed.
func (s *Sender) due(entry *Entry, now time.Time) bool {
	if entry.Attempts == 0 {
		return now.Sub(entry.Timestamp) >= 0 // first attempt, immediately
	}
	wait := retry.Backoff(s.cfg.BackoffBase, s.cfg.BackoffMult, s.cfg.BackoffMax, entry.Attempts)
	if wait < s.cfg.RetryDelay {
		wait = s.cfg.RetryDelay
	}
	return now.Sub(entry.LastAttempt) >= wait
}

// transmit sends one entry to the broker and records the outcome.
func (s *Sender) transmit(ctx context.Context, entry *Entry) {
	if err := s.outbox.CountAttempt(entry.BallotID); err != nil {
		log.Errorw(err, "failed to count send attempt")
		return
	}
	ballot := &types.Ballot{
		BallotID:    entry.BallotID,
		CandidateID: entry.CandidateID,
		StationID:   s.cfg.StationID,
		Timestamp:   entry.Timestamp,
	}
	ballot.IntegrityHash = ballot.ComputeIntegrityHash()
	offer := types.OfferFromBallot(ballot, s.cfg.ConfirmURL)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	ack, err := s.broker.TransmitBallot(callCtx, offer)
	if err != nil {
		log.Debugw("ballot transmission failed, will retry",
			"ballotId", entry.BallotID.String(), "error", err.Error())
		return
	}
	switch ack.Status {
	case types.ConfirmReceived:
		if err := s.outbox.MarkSent(entry.BallotID); err != nil &&
			!errors.Is(err, ErrInvalidTransition) {
			log.Errorw(err, "failed to mark ballot sent")
		}
	case types.ConfirmProcessed, types.ConfirmDuplicate:
		if err := s.outbox.MarkConfirmed(entry.BallotID); err != nil {
			log.Errorw(err, "failed to mark ballot confirmed")
		}
	case types.ConfirmPermanentError:
		log.Warnw("broker permanently refused ballot",
			"ballotId", entry.BallotID.String(), "message", ack.Message)
		if err := s.reject(entry.BallotID); err != nil {
			log.Errorw(err, "failed to mark ballot rejected")
		}
	default:
		// TRANSIENT_ERROR and anything unknown: stay pending, retry later.
	}
}

// reject settles a permanent downstream refusal: the entry moves to REJECTED,
// its voter guard is released and the voted view forgets the voter, so the
// voter may cast a fresh ballot.
func (s *Sender) reject(ballotID types.BallotID) error {
	entry, err := s.outbox.Entry(ballotID)
	if err != nil {
		return err
	}
	if err := s.outbox.MarkRejected(ballotID); err != nil {
		return err
	}
	s.roll.ClearVoted(entry.VoterID)
	return nil
}

// nextTimestamp returns a timestamp strictly after every previously issued
// one, so timestamp order matches cast order within the station.
func (s *Sender) nextTimestamp() time.Time {
	s.castTimeLock.Lock()
	defer s.castTimeLock.Unlock()
	now := time.Now().UTC()
	if !now.After(s.lastCastTime) {
		now = s.lastCastTime.Add(time.Nanosecond)
	}
	s.lastCastTime = now
	return now
}

// nudge wakes the retry loop without waiting for the ticker.
func (s *Sender) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// IsNotFound reports whether err means the ballot does not exist in the
// outbox.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
