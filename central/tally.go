// Package central implements the national tier: the intake that dedups and
// durably records incoming ballots, and the tally that counts them.
package central

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/suffragium/suffragium/db"
	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/storage"
	"github.com/suffragium/suffragium/types"
)

// ErrProtocolViolation is returned by Apply when a ballotId shows up under a
// different candidate than the one it was counted for. This is never retried.
var ErrProtocolViolation = errors.New("ballotId already counted for another candidate")

// Storage prefixes of the tally.
var (
	tallyPrefix   = []byte("tl/") // candidateId → tallyEntry
	checkpointKey = []byte("ck/meta")
)

type tallyEntry struct {
	CandidateID  string         `cbor:"1,keyasint"`
	Count        uint64         `cbor:"2,keyasint"`
	LastBallotID types.BallotID `cbor:"3,keyasint"`
}

type checkpointMeta struct {
	LastSeq    uint64    `cbor:"1,keyasint"`
	Applies    uint64    `cbor:"2,keyasint"`
	WrittenAt  time.Time `cbor:"3,keyasint"`
	Candidates int       `cbor:"4,keyasint"`
}

// TallyConfig groups the checkpoint cadence: a checkpoint is written every
// MaxApplies applies or MaxInterval, whichever comes first.
type TallyConfig struct {
	MaxApplies  int
	MaxInterval time.Duration
}

// DefaultTallyConfig returns the checkpoint cadence used when the daemon
// configuration does not override it.
func DefaultTallyConfig() TallyConfig {
	return TallyConfig{
		MaxApplies:  64,
		MaxInterval: 5 * time.Second,
	}
}

type applyRequest struct {
	candidateID string
	ballotID    types.BallotID
	seq         uint64
	reply       chan error
}

// Tally counts processed ballots per candidate. All mutations flow through a
// single committer goroutine draining a channel; counts never decrease. The
// durable state (per-candidate entries plus a checkpoint watermark) is
// flushed every K applies or T seconds.
type Tally struct {
	cfg TallyConfig
	db  db.Database

	applyCh chan applyRequest
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Committer-owned state. Snapshot readers copy it under mu.
	mu       sync.RWMutex
	counts   map[string]uint64
	lastID   map[string]types.BallotID
	applied  map[string]string // ballotId → candidateId
	lastSeq  uint64
	unsynced int
}

// NewTally creates a tally over the given database. Restore must run before
// Start.
func NewTally(cfg TallyConfig, database db.Database) *Tally {
	if cfg.MaxApplies == 0 {
		cfg = DefaultTallyConfig()
	}
	return &Tally{
		cfg:     cfg,
		db:      database,
		applyCh: make(chan applyRequest),
		counts:  make(map[string]uint64),
		lastID:  make(map[string]types.BallotID),
		applied: make(map[string]string),
	}
}

// LoadCheckpoint reads the durable counters and returns the sequence number
// of the last checkpointed apply. Received-log entries above it must be
// re-applied by the caller through RestoreApply.
func (t *Tally) LoadCheckpoint() (uint64, error) {
	meta := new(checkpointMeta)
	err := storage.GetArtifact(t.db, nil, checkpointKey, meta)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load tally checkpoint: %w", err)
	}
	if err := t.loadEntries(); err != nil {
		return 0, err
	}
	t.lastSeq = meta.LastSeq
	return meta.LastSeq, nil
}

func (t *Tally) loadEntries() error {
	keys, err := storage.ListKeys(t.db, tallyPrefix)
	if err != nil {
		return fmt.Errorf("list tally entries: %w", err)
	}
	for _, key := range keys {
		entry := new(tallyEntry)
		if err := storage.GetArtifact(t.db, tallyPrefix, key, entry); err != nil {
			return fmt.Errorf("load tally entry: %w", err)
		}
		t.counts[entry.CandidateID] = entry.Count
		t.lastID[entry.CandidateID] = entry.LastBallotID
	}
	return nil
}

// RestoreApplied records a ballot that is already included in the
// checkpointed counters, so the cross-candidate check covers it. Restore
// path only, before Start.
func (t *Tally) RestoreApplied(candidateID string, ballotID types.BallotID) {
	t.applied[string(ballotID)] = candidateID
}

// RestoreApply re-applies a received-log entry above the checkpoint
// watermark. Restore path only, before Start.
func (t *Tally) RestoreApply(candidateID string, ballotID types.BallotID, seq uint64) error {
	return t.apply(candidateID, ballotID, seq)
}

// Start launches the committer goroutine.
func (t *Tally) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.MaxInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := t.checkpoint(); err != nil {
					log.Errorw(err, "failed to write final tally checkpoint")
				}
				return
			case req := <-t.applyCh:
				err := t.apply(req.candidateID, req.ballotID, req.seq)
				if err == nil && t.unsynced >= t.cfg.MaxApplies {
					err = t.checkpoint()
				}
				req.reply <- err
			case <-ticker.C:
				if err := t.checkpoint(); err != nil {
					log.Errorw(err, "failed to write tally checkpoint")
				}
			}
		}
	}()
}

// Stop drains the committer, writing a final checkpoint.
func (t *Tally) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Apply counts one ballot for a candidate. Idempotent by ballotId; a
// ballotId counted under a different candidate is a protocol violation.
// Blocks until the committer durably settles the apply.
func (t *Tally) Apply(ctx context.Context, candidateID string, ballotID types.BallotID, seq uint64) error {
	req := applyRequest{
		candidateID: candidateID,
		ballotID:    ballotID,
		seq:         seq,
		reply:       make(chan error, 1),
	}
	select {
	case t.applyCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply runs on the committer goroutine (or single-threaded restore).
func (t *Tally) apply(candidateID string, ballotID types.BallotID, seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastID[candidateID].Equal(ballotID) {
		return nil
	}
	if owner, ok := t.applied[string(ballotID)]; ok {
		if owner == candidateID {
			return nil
		}
		log.Warnw("refusing cross-candidate ballot replay",
			"ballotId", ballotID.String(),
			"counted", owner,
			"offered", candidateID)
		return ErrProtocolViolation
	}
	t.counts[candidateID]++
	t.lastID[candidateID] = ballotID
	t.applied[string(ballotID)] = candidateID
	if seq > t.lastSeq {
		t.lastSeq = seq
	}
	t.unsynced++
	return nil
}

// checkpoint flushes the counters and the watermark in one transaction.
func (t *Tally) checkpoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unsynced == 0 {
		return nil
	}
	wTx := t.db.WriteTx()
	defer wTx.Discard()
	for candidateID, count := range t.counts {
		entry := &tallyEntry{
			CandidateID:  candidateID,
			Count:        count,
			LastBallotID: t.lastID[candidateID],
		}
		data, err := storage.EncodeArtifact(entry)
		if err != nil {
			return fmt.Errorf("encode tally entry: %w", err)
		}
		if err := wTx.Set(append(tallyPrefix, candidateID...), data); err != nil {
			return fmt.Errorf("store tally entry: %w", err)
		}
	}
	meta := &checkpointMeta{
		LastSeq:    t.lastSeq,
		Applies:    uint64(len(t.applied)),
		WrittenAt:  time.Now().UTC(),
		Candidates: len(t.counts),
	}
	data, err := storage.EncodeArtifact(meta)
	if err != nil {
		return fmt.Errorf("encode tally checkpoint: %w", err)
	}
	if err := wTx.Set(checkpointKey, data); err != nil {
		return fmt.Errorf("store tally checkpoint: %w", err)
	}
	if err := wTx.Commit(); err != nil {
		return fmt.Errorf("commit tally checkpoint: %w", err)
	}
	t.unsynced = 0
	return nil
}

// Checkpoint forces a durable flush. Admin and shutdown path.
func (t *Tally) Checkpoint() error {
	return t.checkpoint()
}

// Snapshot returns a read-only copy of the per-candidate counts.
func (t *Tally) Snapshot() map[string]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snapshot := make(map[string]uint64, len(t.counts))
	for candidateID, count := range t.counts {
		snapshot[candidateID] = count
	}
	return snapshot
}

// Applied reports whether a ballotId has been counted, and for whom.
func (t *Tally) Applied(ballotID types.BallotID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	candidateID, ok := t.applied[string(ballotID)]
	return candidateID, ok
}
