// Package types defines the shared data model of the ballot delivery
// pipeline: ballots, their identifiers, delivery states, priorities and the
// confirmation statuses of the wire protocol.
package types

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// BallotIDLength is the size in bytes of a ballot identifier (128 bits).
const BallotIDLength = 16

// BallotID is the globally unique, station-generated 128-bit identifier of a
// ballot. It is the primary identity for every idempotence decision across
// the pipeline and is never mutated after creation.
type BallotID = HexBytes

// NewBallotID returns a fresh ballot identifier. Identifiers are time-ordered
// (UUIDv7), so within one station ballotId order and timestamp order agree.
func NewBallotID() BallotID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		id = uuid.New()
	}
	return BallotID(id[:])
}

// ValidBallotID reports whether id has the expected length.
func ValidBallotID(id BallotID) bool {
	return len(id) == BallotIDLength
}

// Ballot is the unit of vote. Immutable once created. The voterId is NOT part
// of the ballot; it stays in the station outbox and is never forwarded
// downstream.
type Ballot struct {
	BallotID      BallotID  `json:"ballotId" cbor:"1,keyasint"`
	CandidateID   string    `json:"candidateId" cbor:"2,keyasint"`
	StationID     string    `json:"stationId" cbor:"3,keyasint"`
	Timestamp     time.Time `json:"timestamp" cbor:"4,keyasint"`
	IntegrityHash HexBytes  `json:"integrityHash" cbor:"5,keyasint"`
}

// Valid performs the validation checks shared by every tier: well-formed
// ballotId, non-empty candidateId and stationId, non-empty integrity hash.
func (b *Ballot) Valid() error {
	if !ValidBallotID(b.BallotID) {
		return fmt.Errorf("malformed ballotId: %d bytes, want %d", len(b.BallotID), BallotIDLength)
	}
	if b.CandidateID == "" {
		return fmt.Errorf("missing candidateId")
	}
	if b.StationID == "" {
		return fmt.Errorf("missing stationId")
	}
	if len(b.IntegrityHash) == 0 {
		return fmt.Errorf("empty integrity hash")
	}
	return nil
}

// Ballot delivery state constants, per layer (outbox, broker log).
// Transitions are forward-only, never back to an earlier state.
const (
	BallotStatePending = iota
	BallotStateSent
	BallotStateConfirmed
	BallotStateRejected
)

var ballotStateNames = map[int]string{
	BallotStatePending:   "pending",
	BallotStateSent:      "sent",
	BallotStateConfirmed: "confirmed",
	BallotStateRejected:  "rejected",
}

// BallotStateName returns the human-readable name of a ballot state.
func BallotStateName(state int) string {
	if name, ok := ballotStateNames[state]; ok {
		return name
	}
	return "unknown_state_" + strconv.Itoa(state)
}

// ValidBallotStateTransition reports whether moving from one delivery state
// to another honors the forward-only rule:
// PENDING → SENT → CONFIRMED, any non-terminal state → REJECTED.
func ValidBallotStateTransition(from, to int) bool {
	if from == to {
		return true
	}
	switch from {
	case BallotStatePending:
		return to == BallotStateSent || to == BallotStateConfirmed || to == BallotStateRejected
	case BallotStateSent:
		return to == BallotStateConfirmed || to == BallotStateRejected
	default:
		// CONFIRMED and REJECTED are terminal.
		return false
	}
}

// Delivery priorities of broker records. Lower value sorts first. Ballots
// recovered from the durable log on restart are re-enqueued with PriorityHigh.
const (
	PriorityCritical = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = map[int]string{
	PriorityCritical: "critical",
	PriorityHigh:     "high",
	PriorityNormal:   "normal",
	PriorityLow:      "low",
}

// PriorityName returns the human-readable name of a priority.
func PriorityName(priority int) string {
	if name, ok := priorityNames[priority]; ok {
		return name
	}
	return "unknown_priority_" + strconv.Itoa(priority)
}

// ValidPriority reports whether p is one of the defined priorities.
func ValidPriority(p int) bool {
	_, ok := priorityNames[p]
	return ok
}
