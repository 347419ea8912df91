package types

import (
	"encoding/json"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestNewBallotID(t *testing.T) {
	c := qt.New(t)

	seen := make(map[string]bool)
	var prev BallotID
	for range 64 {
		id := NewBallotID()
		c.Assert(ValidBallotID(id), qt.IsTrue)
		c.Assert(seen[id.Hex()], qt.IsFalse)
		seen[id.Hex()] = true
		// UUIDv7 identifiers are time-ordered, so successive ids from the
		// same process never sort backwards.
		if prev != nil {
			c.Assert(id.Hex() >= prev.Hex(), qt.IsTrue)
		}
		prev = id
	}
}

func TestBallotValid(t *testing.T) {
	c := qt.New(t)

	ballot := &Ballot{
		BallotID:    NewBallotID(),
		CandidateID: "C1",
		StationID:   "M01",
		Timestamp:   time.Now().UTC(),
	}
	ballot.IntegrityHash = ballot.ComputeIntegrityHash()
	c.Assert(ballot.Valid(), qt.IsNil)

	short := *ballot
	short.BallotID = HexBytes{0x01}
	c.Assert(short.Valid(), qt.IsNotNil)

	noCandidate := *ballot
	noCandidate.CandidateID = ""
	c.Assert(noCandidate.Valid(), qt.IsNotNil)

	noStation := *ballot
	noStation.StationID = ""
	c.Assert(noStation.Valid(), qt.IsNotNil)

	noHash := *ballot
	noHash.IntegrityHash = nil
	c.Assert(noHash.Valid(), qt.IsNotNil)
}

func TestBallotStateTransitions(t *testing.T) {
	c := qt.New(t)

	allowed := [][2]int{
		{BallotStatePending, BallotStateSent},
		{BallotStatePending, BallotStateConfirmed},
		{BallotStatePending, BallotStateRejected},
		{BallotStateSent, BallotStateConfirmed},
		{BallotStateSent, BallotStateRejected},
	}
	for _, tr := range allowed {
		c.Assert(ValidBallotStateTransition(tr[0], tr[1]), qt.IsTrue,
			qt.Commentf("%s -> %s", BallotStateName(tr[0]), BallotStateName(tr[1])))
	}

	forbidden := [][2]int{
		{BallotStateSent, BallotStatePending},
		{BallotStateConfirmed, BallotStatePending},
		{BallotStateConfirmed, BallotStateSent},
		{BallotStateConfirmed, BallotStateRejected},
		{BallotStateRejected, BallotStatePending},
		{BallotStateRejected, BallotStateConfirmed},
	}
	for _, tr := range forbidden {
		c.Assert(ValidBallotStateTransition(tr[0], tr[1]), qt.IsFalse,
			qt.Commentf("%s -> %s", BallotStateName(tr[0]), BallotStateName(tr[1])))
	}

	// Staying in place is always allowed.
	for state := BallotStatePending; state <= BallotStateRejected; state++ {
		c.Assert(ValidBallotStateTransition(state, state), qt.IsTrue)
	}
}

func TestIntegrityHash(t *testing.T) {
	c := qt.New(t)

	ballot := &Ballot{
		BallotID:    NewBallotID(),
		CandidateID: "C1",
		StationID:   "M01",
		Timestamp:   time.Now().UTC(),
	}
	ballot.IntegrityHash = ballot.ComputeIntegrityHash()
	c.Assert(ballot.VerifyIntegrity(), qt.IsTrue)

	// Any field change breaks the hash, including swaps that keep the
	// concatenation identical.
	tampered := *ballot
	tampered.CandidateID = "C2"
	c.Assert(tampered.VerifyIntegrity(), qt.IsFalse)

	swapped := *ballot
	swapped.CandidateID = ballot.StationID
	swapped.StationID = ballot.CandidateID
	if swapped.CandidateID != swapped.StationID {
		c.Assert(swapped.VerifyIntegrity(), qt.IsFalse)
	}

	later := *ballot
	later.Timestamp = ballot.Timestamp.Add(time.Nanosecond)
	c.Assert(later.VerifyIntegrity(), qt.IsFalse)
}

func TestConfirmStatusTerminal(t *testing.T) {
	c := qt.New(t)
	c.Assert(ConfirmProcessed.Terminal(), qt.IsTrue)
	c.Assert(ConfirmDuplicate.Terminal(), qt.IsTrue)
	c.Assert(ConfirmReceived.Terminal(), qt.IsFalse)
	c.Assert(ConfirmTransientError.Terminal(), qt.IsFalse)
	c.Assert(ConfirmPermanentError.Terminal(), qt.IsFalse)
}

func TestHexBytesJSON(t *testing.T) {
	c := qt.New(t)

	b := HexBytes{0xde, 0xad, 0xbe, 0xef}
	data, err := json.Marshal(b)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, `"0xdeadbeef"`)

	var out HexBytes
	c.Assert(json.Unmarshal(data, &out), qt.IsNil)
	c.Assert(out.Equal(b), qt.IsTrue)

	// Unprefixed input is accepted too.
	c.Assert(json.Unmarshal([]byte(`"deadbeef"`), &out), qt.IsNil)
	c.Assert(out.Equal(b), qt.IsTrue)

	c.Assert(json.Unmarshal([]byte(`"not-hex"`), &out), qt.IsNotNil)
}

func TestHexStringToHexBytes(t *testing.T) {
	c := qt.New(t)

	b, err := HexStringToHexBytes("0xdeadbeef")
	c.Assert(err, qt.IsNil)
	c.Assert(b.String(), qt.Equals, "0xdeadbeef")

	b, err = HexStringToHexBytes("deadbeef")
	c.Assert(err, qt.IsNil)
	c.Assert(b.Hex(), qt.Equals, "deadbeef")

	_, err = HexStringToHexBytes("zz")
	c.Assert(err, qt.IsNotNil)
}

func TestPriorityNames(t *testing.T) {
	c := qt.New(t)
	c.Assert(PriorityName(PriorityCritical), qt.Equals, "critical")
	c.Assert(PriorityName(PriorityLow), qt.Equals, "low")
	c.Assert(ValidPriority(PriorityNormal), qt.IsTrue)
	c.Assert(ValidPriority(42), qt.IsFalse)
}
