package central

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/suffragium/suffragium/audit"
	"github.com/suffragium/suffragium/db"
	"github.com/suffragium/suffragium/db/metadb"
	"github.com/suffragium/suffragium/types"
)

func newTestIntake(t *testing.T, database db.Database) (*Intake, *Tally) {
	t.Helper()
	auditLog, err := audit.OpenNoSync(filepath.Join(t.TempDir(), "audit.log"))
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() {
		_ = auditLog.Close()
	})
	tally := NewTally(testTallyConfig(), database)
	intake, err := NewIntake(database, tally, auditLog)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, intake.Replay(), qt.IsNil)
	tally.Start(context.Background())
	t.Cleanup(tally.Stop)
	return intake, tally
}

func testOffer(candidateID string) *types.Offer {
	ballot := &types.Ballot{
		BallotID:    types.NewBallotID(),
		CandidateID: candidateID,
		StationID:   "M01",
		Timestamp:   time.Now().UTC(),
	}
	ballot.IntegrityHash = ballot.ComputeIntegrityHash()
	return types.OfferFromBallot(ballot, "")
}

func TestIntakeReceive(t *testing.T) {
	c := qt.New(t)
	intake, tally := newTestIntake(t, metadb.NewTest(t))

	offer := testOffer("C1")
	ack, err := intake.Receive(context.Background(), offer)
	c.Assert(err, qt.IsNil)
	c.Assert(ack.Status, qt.Equals, types.ConfirmProcessed)
	c.Assert(tally.Snapshot()["C1"], qt.Equals, uint64(1))
	c.Assert(intake.Received(), qt.Equals, uint64(1))
}

func TestIntakeDuplicate(t *testing.T) {
	c := qt.New(t)
	intake, tally := newTestIntake(t, metadb.NewTest(t))

	offer := testOffer("C1")
	ack, err := intake.Receive(context.Background(), offer)
	c.Assert(err, qt.IsNil)
	c.Assert(ack.Status, qt.Equals, types.ConfirmProcessed)

	// Redelivery answers DUPLICATE and counts nothing.
	ack, err = intake.Receive(context.Background(), offer)
	c.Assert(err, qt.IsNil)
	c.Assert(ack.Status, qt.Equals, types.ConfirmDuplicate)
	c.Assert(tally.Snapshot()["C1"], qt.Equals, uint64(1))
	c.Assert(intake.Received(), qt.Equals, uint64(1))
}

func TestIntakeRejectsInvalid(t *testing.T) {
	c := qt.New(t)
	intake, _ := newTestIntake(t, metadb.NewTest(t))

	// Tampered candidate breaks the integrity hash.
	offer := testOffer("C1")
	offer.CandidateID = "C2"
	ack, err := intake.Receive(context.Background(), offer)
	c.Assert(err, qt.IsNil)
	c.Assert(ack.Status, qt.Equals, types.ConfirmPermanentError)

	// Missing stationId.
	offer = testOffer("C1")
	offer.StationID = ""
	ack, err = intake.Receive(context.Background(), offer)
	c.Assert(err, qt.IsNil)
	c.Assert(ack.Status, qt.Equals, types.ConfirmPermanentError)
}

func TestIntakeReplayRestoresState(t *testing.T) {
	c := qt.New(t)
	database := metadb.NewTest(t)

	intake, _ := newTestIntake(t, database)
	var offers []*types.Offer
	for range 5 {
		offer := testOffer("C1")
		offers = append(offers, offer)
		ack, err := intake.Receive(context.Background(), offer)
		c.Assert(err, qt.IsNil)
		c.Assert(ack.Status, qt.Equals, types.ConfirmProcessed)
	}

	// A fresh intake over the same database sees the same world.
	restored, tally := newTestIntake(t, database)
	c.Assert(tally.Snapshot()["C1"], qt.Equals, uint64(5))
	c.Assert(restored.Received(), qt.Equals, uint64(5))

	// All previously processed ballots still answer DUPLICATE.
	for _, offer := range offers {
		ack, err := restored.Receive(context.Background(), offer)
		c.Assert(err, qt.IsNil)
		c.Assert(ack.Status, qt.Equals, types.ConfirmDuplicate)
	}
	c.Assert(tally.Snapshot()["C1"], qt.Equals, uint64(5))
}
