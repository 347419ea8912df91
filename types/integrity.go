package types

import (
	"crypto/sha256"
	"encoding/binary"
)

// ComputeIntegrityHash derives the opaque integrity hash of a ballot from its
// immutable fields. Receivers recompute and compare; a mismatch is a
// validation refusal, never a retry.
func (b *Ballot) ComputeIntegrityHash() HexBytes {
	h := sha256.New()
	h.Write(b.BallotID)
	h.Write([]byte(b.CandidateID))
	h.Write([]byte{0})
	h.Write([]byte(b.StationID))
	h.Write([]byte{0})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(b.Timestamp.UnixNano()))
	h.Write(ts[:])
	return h.Sum(nil)
}

// VerifyIntegrity reports whether the carried hash matches the ballot fields.
func (b *Ballot) VerifyIntegrity() bool {
	return b.IntegrityHash.Equal(b.ComputeIntegrityHash())
}
