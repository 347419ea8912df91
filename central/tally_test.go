package central

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/suffragium/suffragium/db/metadb"
	"github.com/suffragium/suffragium/types"
)

func testTallyConfig() TallyConfig {
	return TallyConfig{
		MaxApplies:  4,
		MaxInterval: 50 * time.Millisecond,
	}
}

func TestTallyApply(t *testing.T) {
	c := qt.New(t)
	tally := NewTally(testTallyConfig(), metadb.NewTest(t))
	tally.Start(context.Background())
	defer tally.Stop()

	ctx := context.Background()
	first := types.NewBallotID()
	c.Assert(tally.Apply(ctx, "C1", first, 1), qt.IsNil)
	c.Assert(tally.Apply(ctx, "C1", types.NewBallotID(), 2), qt.IsNil)
	c.Assert(tally.Apply(ctx, "C2", types.NewBallotID(), 3), qt.IsNil)

	snapshot := tally.Snapshot()
	c.Assert(snapshot["C1"], qt.Equals, uint64(2))
	c.Assert(snapshot["C2"], qt.Equals, uint64(1))

	// Re-applying an already counted ballot is a no-op.
	c.Assert(tally.Apply(ctx, "C1", first, 1), qt.IsNil)
	c.Assert(tally.Snapshot()["C1"], qt.Equals, uint64(2))
}

func TestTallyCrossCandidateViolation(t *testing.T) {
	c := qt.New(t)
	tally := NewTally(testTallyConfig(), metadb.NewTest(t))
	tally.Start(context.Background())
	defer tally.Stop()

	ctx := context.Background()
	ballotID := types.NewBallotID()
	c.Assert(tally.Apply(ctx, "C1", ballotID, 1), qt.IsNil)
	c.Assert(tally.Apply(ctx, "C2", ballotID, 2), qt.ErrorIs, ErrProtocolViolation)

	// The refused apply changed nothing.
	snapshot := tally.Snapshot()
	c.Assert(snapshot["C1"], qt.Equals, uint64(1))
	c.Assert(snapshot["C2"], qt.Equals, uint64(0))

	owner, ok := tally.Applied(ballotID)
	c.Assert(ok, qt.IsTrue)
	c.Assert(owner, qt.Equals, "C1")
}

func TestTallyCheckpointAndRestore(t *testing.T) {
	c := qt.New(t)
	database := metadb.NewTest(t)

	tally := NewTally(testTallyConfig(), database)
	tally.Start(context.Background())
	ctx := context.Background()
	for seq := uint64(1); seq <= 10; seq++ {
		c.Assert(tally.Apply(ctx, "C1", types.NewBallotID(), seq), qt.IsNil)
	}
	// Stop writes the final checkpoint.
	tally.Stop()

	restored := NewTally(testTallyConfig(), database)
	lastSeq, err := restored.LoadCheckpoint()
	c.Assert(err, qt.IsNil)
	c.Assert(lastSeq, qt.Equals, uint64(10))
	c.Assert(restored.Snapshot()["C1"], qt.Equals, uint64(10))
}

func TestTallyMonotonic(t *testing.T) {
	c := qt.New(t)
	tally := NewTally(testTallyConfig(), metadb.NewTest(t))
	tally.Start(context.Background())
	defer tally.Stop()

	ctx := context.Background()
	var last uint64
	for seq := uint64(1); seq <= 20; seq++ {
		c.Assert(tally.Apply(ctx, "C1", types.NewBallotID(), seq), qt.IsNil)
		count := tally.Snapshot()["C1"]
		c.Assert(count >= last, qt.IsTrue)
		last = count
	}
	c.Assert(last, qt.Equals, uint64(20))
}
