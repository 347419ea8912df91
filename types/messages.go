package types

import "time"

// ConfirmStatus is the status carried by a Confirm message, keyed by
// ballotId. PROCESSED and DUPLICATE are terminal for the sender and treated
// identically (the ballot is durably accepted downstream).
type ConfirmStatus string

const (
	ConfirmReceived       ConfirmStatus = "RECEIVED"
	ConfirmProcessed      ConfirmStatus = "PROCESSED"
	ConfirmDuplicate      ConfirmStatus = "DUPLICATE"
	ConfirmTransientError ConfirmStatus = "TRANSIENT_ERROR"
	ConfirmPermanentError ConfirmStatus = "PERMANENT_ERROR"
)

// Terminal reports whether the status ends the sender's retry obligation.
func (s ConfirmStatus) Terminal() bool {
	return s == ConfirmProcessed || s == ConfirmDuplicate
}

// Offer is the wire message that carries a ballot one hop downstream
// (station → broker, broker → central). ConfirmURL is the stable address
// where the receiver posts the asynchronous Confirm for this ballot; empty
// when the sender only relies on the synchronous Ack.
type Offer struct {
	BallotID      BallotID  `json:"ballotId"`
	CandidateID   string    `json:"candidateId"`
	StationID     string    `json:"stationId"`
	Timestamp     time.Time `json:"timestamp"`
	IntegrityHash HexBytes  `json:"integrityHash"`
	ConfirmURL    string    `json:"confirmUrl,omitempty"`
}

// Ballot converts the offer payload back to a Ballot.
func (o *Offer) Ballot() *Ballot {
	return &Ballot{
		BallotID:      o.BallotID,
		CandidateID:   o.CandidateID,
		StationID:     o.StationID,
		Timestamp:     o.Timestamp,
		IntegrityHash: o.IntegrityHash,
	}
}

// OfferFromBallot builds the wire offer for a ballot.
func OfferFromBallot(b *Ballot, confirmURL string) *Offer {
	return &Offer{
		BallotID:      b.BallotID,
		CandidateID:   b.CandidateID,
		StationID:     b.StationID,
		Timestamp:     b.Timestamp,
		IntegrityHash: b.IntegrityHash,
		ConfirmURL:    confirmURL,
	}
}

// Ack is the synchronous response to an Offer.
type Ack struct {
	BallotID BallotID      `json:"ballotId"`
	Status   ConfirmStatus `json:"status"`
	Message  string        `json:"message,omitempty"`
}

// Confirm is the asynchronous confirmation message, receiver → sender,
// keyed by ballotId (never a live callback reference).
type Confirm struct {
	BallotID BallotID      `json:"ballotId"`
	Status   ConfirmStatus `json:"status"`
	Detail   string        `json:"detail,omitempty"`
}
