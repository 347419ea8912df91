package central

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/suffragium/suffragium/audit"
	"github.com/suffragium/suffragium/db"
	"github.com/suffragium/suffragium/db/prefixeddb"
	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/storage"
	"github.com/suffragium/suffragium/types"
)

// Storage prefixes of the intake. The received log is keyed by a big-endian
// sequence number, so iteration order is arrival order.
var (
	receivedPrefix  = []byte("rc/") // seq → receivedEntry
	processedPrefix = []byte("pd/") // ballotId → seq
)

// processedCacheSize bounds the in-memory hot view of the processed set. The
// durable set remains the source of truth on a miss.
const processedCacheSize = 65536

type receivedEntry struct {
	Seq       uint64       `cbor:"1,keyasint"`
	Ballot    types.Ballot `cbor:"2,keyasint"`
	StationID string       `cbor:"3,keyasint"`
	Received  time.Time    `cbor:"4,keyasint"`
}

// Intake is the national reception point: it dedups by ballotId, durably
// appends to the received log, drives the tally and durably marks ballots
// processed. Receive is safe for concurrent use; the write path serializes.
type Intake struct {
	db    db.Database
	tally *Tally
	audit *audit.Log

	processed *lru.Cache[string, struct{}]

	writeLock sync.Mutex
	nextSeq   uint64
}

// NewIntake creates an intake over the given database, tally and audit
// trail. Replay must run before serving traffic.
func NewIntake(database db.Database, tally *Tally, auditLog *audit.Log) (*Intake, error) {
	cache, err := lru.New[string, struct{}](processedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Intake{
		db:        database,
		tally:     tally,
		audit:     auditLog,
		processed: cache,
	}, nil
}

// Receive handles one ballot offer. A ballot already processed answers
// DUPLICATE (the primary idempotence signal, not a failure). Any step that
// cannot durably complete aborts and the ballot stays pending at the broker.
func (i *Intake) Receive(ctx context.Context, offer *types.Offer) (*types.Ack, error) {
	ballot := offer.Ballot()
	if err := ballot.Valid(); err != nil {
		return &types.Ack{
			BallotID: offer.BallotID,
			Status:   types.ConfirmPermanentError,
			Message:  err.Error(),
		}, nil
	}
	if !ballot.VerifyIntegrity() {
		return &types.Ack{
			BallotID: offer.BallotID,
			Status:   types.ConfirmPermanentError,
			Message:  "integrity hash mismatch",
		}, nil
	}

	if i.isProcessed(ballot.BallotID) {
		i.audit.MustWrite("duplicate", ballot.BallotID, "")
		return &types.Ack{BallotID: ballot.BallotID, Status: types.ConfirmDuplicate}, nil
	}

	i.writeLock.Lock()
	defer i.writeLock.Unlock()
	// Re-check under the lock: a concurrent delivery may have won the race.
	if i.isProcessed(ballot.BallotID) {
		i.audit.MustWrite("duplicate", ballot.BallotID, "")
		return &types.Ack{BallotID: ballot.BallotID, Status: types.ConfirmDuplicate}, nil
	}

	seq := i.nextSeq + 1
	entry := &receivedEntry{
		Seq:       seq,
		Ballot:    *ballot,
		StationID: ballot.StationID,
		Received:  time.Now().UTC(),
	}
	if err := storage.SetArtifact(i.db, receivedPrefix, seqKey(seq), entry); err != nil {
		return nil, fmt.Errorf("append received log: %w", err)
	}
	i.nextSeq = seq

	if err := i.tally.Apply(ctx, ballot.CandidateID, ballot.BallotID, seq); err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			i.audit.MustWrite("violation", ballot.BallotID, "cross-candidate replay")
			return &types.Ack{
				BallotID: ballot.BallotID,
				Status:   types.ConfirmPermanentError,
				Message:  err.Error(),
			}, nil
		}
		return nil, fmt.Errorf("apply ballot to tally: %w", err)
	}

	if err := i.markProcessed(ballot.BallotID, seq); err != nil {
		return nil, err
	}
	i.audit.MustWrite("processed", ballot.BallotID,
		fmt.Sprintf("candidate=%s station=%s", ballot.CandidateID, ballot.StationID))
	return &types.Ack{BallotID: ballot.BallotID, Status: types.ConfirmProcessed}, nil
}

func (i *Intake) isProcessed(ballotID types.BallotID) bool {
	if _, ok := i.processed.Get(string(ballotID)); ok {
		return true
	}
	if storage.HasArtifact(i.db, processedPrefix, ballotID) {
		i.processed.Add(string(ballotID), struct{}{})
		return true
	}
	return false
}

func (i *Intake) markProcessed(ballotID types.BallotID, seq uint64) error {
	if err := storage.SetArtifact(i.db, processedPrefix, ballotID, seq); err != nil {
		return fmt.Errorf("mark ballot processed: %w", err)
	}
	i.processed.Add(string(ballotID), struct{}{})
	return nil
}

// Replay restores the tally from the checkpoint and re-applies the
// received-log tail: entries at or below the checkpoint watermark only feed
// the cross-candidate view, entries above it are re-counted, and any entry
// missing its processed mark gets one. Must run before Receive serves
// traffic and before the tally committer starts.
func (i *Intake) Replay() error {
	lastSeq, err := i.tally.LoadCheckpoint()
	if err != nil {
		return err
	}

	var replayed, restored int
	var scanErr error
	if err := prefixeddb.NewPrefixedReader(i.db, receivedPrefix).Iterate(nil, func(_, v []byte) bool {
		entry := new(receivedEntry)
		if err := storage.DecodeArtifact(v, entry); err != nil {
			scanErr = fmt.Errorf("decode received entry: %w", err)
			return false
		}
		if entry.Seq > i.nextSeq {
			i.nextSeq = entry.Seq
		}
		ballot := &entry.Ballot
		if entry.Seq <= lastSeq {
			i.tally.RestoreApplied(ballot.CandidateID, ballot.BallotID)
			restored++
		} else {
			if err := i.tally.RestoreApply(ballot.CandidateID, ballot.BallotID, entry.Seq); err != nil {
				// Cross-candidate replays were refused the first time too.
				if !errors.Is(err, ErrProtocolViolation) {
					scanErr = err
					return false
				}
			}
			replayed++
		}
		if !storage.HasArtifact(i.db, processedPrefix, ballot.BallotID) {
			if err := i.markProcessed(ballot.BallotID, entry.Seq); err != nil {
				scanErr = err
				return false
			}
		}
		return true
	}); err != nil {
		return fmt.Errorf("iterate received log: %w", err)
	}
	if scanErr != nil {
		return scanErr
	}
	if replayed > 0 {
		if err := i.tally.Checkpoint(); err != nil {
			return err
		}
	}
	log.Infow("central replay complete",
		"checkpointed", restored,
		"replayed", replayed,
		"lastSeq", i.nextSeq)
	i.audit.MustWrite("replay", nil, fmt.Sprintf("checkpointed=%d replayed=%d", restored, replayed))
	return nil
}

// Received returns the number of entries in the received log.
func (i *Intake) Received() uint64 {
	i.writeLock.Lock()
	defer i.writeLock.Unlock()
	return i.nextSeq
}

// Compact compacts the underlying store. Admin operation.
func (i *Intake) Compact() error {
	i.writeLock.Lock()
	defer i.writeLock.Unlock()
	return i.db.Compact()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
