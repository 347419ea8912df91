// Package station implements the polling-station side of the pipeline: the
// roll authorizer deciding who may vote, the durable outbox holding cast
// ballots until the central tally confirms them, and the sender draining the
// outbox towards the broker.
package station

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/suffragium/suffragium/audit"
	"github.com/suffragium/suffragium/db"
	"github.com/suffragium/suffragium/db/prefixeddb"
	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/storage"
	"github.com/suffragium/suffragium/types"
)

var (
	// ErrDuplicateVoter is returned by Append when the voter already has an
	// outbox entry in a counted state.
	ErrDuplicateVoter = errors.New("voter already has a ballot in the outbox")
	// ErrDuplicateBallot is returned by Append when the ballotId already
	// exists.
	ErrDuplicateBallot = errors.New("ballot already exists in the outbox")
	// ErrInvalidTransition is returned when a state change would move an
	// entry backwards.
	ErrInvalidTransition = errors.New("invalid ballot state transition")
)

// Storage prefixes of the outbox database.
var (
	entryPrefix = []byte("o/")  // ballotId → OutboxEntry
	voterPrefix = []byte("ov/") // voterId → ballotId (durable "already voted" guard)
)

// Entry is a durable outbox record. The voterId is kept only to make the
// "already voted" check durable across restarts; it is never forwarded
// downstream.
type Entry struct {
	BallotID    types.BallotID `cbor:"1,keyasint"`
	CandidateID string         `cbor:"2,keyasint"`
	VoterID     string         `cbor:"3,keyasint"`
	Timestamp   time.Time      `cbor:"4,keyasint"`
	State       int            `cbor:"5,keyasint"`
	Attempts    int            `cbor:"6,keyasint"`
	LastAttempt time.Time      `cbor:"7,keyasint,omitempty"`
}

// Outbox is the durable FIFO-ish store of cast ballots. The write path is
// single-writer; reads are concurrent-safe.
type Outbox struct {
	db        db.Database
	audit     *audit.Log
	writeLock sync.Mutex
}

// NewOutbox creates an outbox over the given database and audit trail.
func NewOutbox(database db.Database, auditLog *audit.Log) *Outbox {
	return &Outbox{db: database, audit: auditLog}
}

// Append durably stores a new entry in PENDING state. It returns only after
// the entry and the voter guard index are committed (synced). Fails loudly:
// a vote that cannot be durably recorded must not be accepted.
func (o *Outbox) Append(entry *Entry) error {
	o.writeLock.Lock()
	defer o.writeLock.Unlock()

	entry.State = types.BallotStatePending
	data, err := storage.EncodeArtifact(entry)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}

	wTx := o.db.WriteTx()
	defer wTx.Discard()

	// One ballot per voter across {PENDING, SENT, CONFIRMED}.
	voterKey := []byte(entry.VoterID)
	if _, err := prefixeddb.NewPrefixedWriteTx(wTx, voterPrefix).Get(voterKey); err == nil {
		return ErrDuplicateVoter
	}
	entryTx := prefixeddb.NewPrefixedWriteTx(wTx, entryPrefix)
	if _, err := entryTx.Get(entry.BallotID); err == nil {
		return ErrDuplicateBallot
	}
	if err := entryTx.Set(entry.BallotID, data); err != nil {
		return fmt.Errorf("store outbox entry: %w", err)
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, voterPrefix).Set(voterKey, entry.BallotID); err != nil {
		return fmt.Errorf("store voter index: %w", err)
	}
	if err := wTx.Commit(); err != nil {
		return fmt.Errorf("commit outbox append: %w", err)
	}

	o.audit.MustWrite("cast", entry.BallotID, fmt.Sprintf("candidate=%s", entry.CandidateID))
	return nil
}

// Entry returns the outbox entry for a ballotId.
func (o *Outbox) Entry(ballotID types.BallotID) (*Entry, error) {
	entry := new(Entry)
	if err := storage.GetArtifact(o.db, entryPrefix, ballotID, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkSent moves an entry to SENT (broker accepted it).
func (o *Outbox) MarkSent(ballotID types.BallotID) error {
	return o.advance(ballotID, types.BallotStateSent, "sent")
}

// MarkConfirmed moves an entry to CONFIRMED (central durably accepted it).
// Confirming an already confirmed entry is a no-op.
func (o *Outbox) MarkConfirmed(ballotID types.BallotID) error {
	return o.advance(ballotID, types.BallotStateConfirmed, "confirmed")
}

// MarkRejected moves an entry to REJECTED (permanent downstream refusal).
func (o *Outbox) MarkRejected(ballotID types.BallotID) error {
	return o.advance(ballotID, types.BallotStateRejected, "rejected")
}

func (o *Outbox) advance(ballotID types.BallotID, state int, op string) error {
	o.writeLock.Lock()
	defer o.writeLock.Unlock()

	entry := new(Entry)
	if err := storage.GetArtifact(o.db, entryPrefix, ballotID, entry); err != nil {
		return err
	}
	if entry.State == state {
		return nil
	}
	if !types.ValidBallotStateTransition(entry.State, state) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition,
			types.BallotStateName(entry.State), types.BallotStateName(state))
	}
	entry.State = state
	data, err := storage.EncodeArtifact(entry)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}

	wTx := o.db.WriteTx()
	defer wTx.Discard()
	if err := prefixeddb.NewPrefixedWriteTx(wTx, entryPrefix).Set(ballotID, data); err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	// A rejected ballot no longer counts as voted: release the voter guard
	// in the same transaction, so the voter may cast again. The guard holds
	// the ballotId it was set for; only release it if it is still ours.
	if state == types.BallotStateRejected {
		voterTx := prefixeddb.NewPrefixedWriteTx(wTx, voterPrefix)
		voterKey := []byte(entry.VoterID)
		if current, err := voterTx.Get(voterKey); err == nil && ballotID.Equal(current) {
			if err := voterTx.Delete(voterKey); err != nil {
				return fmt.Errorf("release voter index: %w", err)
			}
		}
	}
	if err := wTx.Commit(); err != nil {
		return fmt.Errorf("commit outbox update: %w", err)
	}
	o.audit.MustWrite(op, ballotID, "")
	return nil
}

// CountAttempt increments the attempt counter of an entry and records the
// attempt time, preserving the backoff stage across restarts.
func (o *Outbox) CountAttempt(ballotID types.BallotID) error {
	o.writeLock.Lock()
	defer o.writeLock.Unlock()

	entry := new(Entry)
	if err := storage.GetArtifact(o.db, entryPrefix, ballotID, entry); err != nil {
		return err
	}
	entry.Attempts++
	entry.LastAttempt = time.Now()
	return storage.SetArtifact(o.db, entryPrefix, ballotID, entry)
}

// ScanUnconfirmed returns every entry still in PENDING or SENT, in ballotId
// order.
func (o *Outbox) ScanUnconfirmed() ([]*Entry, error) {
	var entries []*Entry
	var scanErr error
	if err := prefixeddb.NewPrefixedReader(o.db, entryPrefix).Iterate(nil, func(_, v []byte) bool {
		entry := new(Entry)
		if err := storage.DecodeArtifact(v, entry); err != nil {
			scanErr = fmt.Errorf("decode outbox entry: %w", err)
			return false
		}
		if entry.State == types.BallotStatePending || entry.State == types.BallotStateSent {
			entries = append(entries, entry)
		}
		return true
	}); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return entries, nil
}

// VotedVoters returns the voterIds of every entry in {PENDING, SENT,
// CONFIRMED}. Used by the roll authorizer to rebuild its voted view on
// startup. Any scan failure is surfaced so the station refuses to open.
func (o *Outbox) VotedVoters() ([]string, error) {
	var voters []string
	var scanErr error
	if err := prefixeddb.NewPrefixedReader(o.db, entryPrefix).Iterate(nil, func(_, v []byte) bool {
		entry := new(Entry)
		if err := storage.DecodeArtifact(v, entry); err != nil {
			scanErr = fmt.Errorf("decode outbox entry: %w", err)
			return false
		}
		if entry.State != types.BallotStateRejected {
			voters = append(voters, entry.VoterID)
		}
		return true
	}); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return voters, nil
}

// CountByState returns the number of entries per delivery state.
func (o *Outbox) CountByState() map[int]int {
	counts := map[int]int{}
	if err := prefixeddb.NewPrefixedReader(o.db, entryPrefix).Iterate(nil, func(_, v []byte) bool {
		entry := new(Entry)
		if err := storage.DecodeArtifact(v, entry); err != nil {
			return true
		}
		counts[entry.State]++
		return true
	}); err != nil {
		log.Warnw("failed to count outbox entries", "error", err.Error())
	}
	return counts
}

// Compact rewrites the store omitting entries in terminal purged state.
// Offline maintenance, exposed through the admin surface.
func (o *Outbox) Compact() error {
	o.writeLock.Lock()
	defer o.writeLock.Unlock()
	return o.db.Compact()
}

// Close closes the outbox database and audit trail.
func (o *Outbox) Close() {
	if err := o.db.Close(); err != nil {
		log.Warnw("failed to close outbox database", "error", err.Error())
	}
	if err := o.audit.Close(); err != nil {
		log.Warnw("failed to close outbox audit log", "error", err.Error())
	}
}
