package api

import "github.com/suffragium/suffragium/types"

// CastRequest is the voter-facing payload of POST /v1/votes on a station.
type CastRequest struct {
	CandidateID string `json:"candidateId"`
	VoterID     string `json:"voterId"`
}

// CastResponse returns the durable ballot identifier of an accepted vote.
type CastResponse struct {
	BallotID types.BallotID `json:"ballotId"`
}

// BallotStatusResponse is the answer to a ballot status query.
type BallotStatusResponse struct {
	BallotID types.BallotID `json:"ballotId"`
	State    string         `json:"state"`
}

// TallyResponse is the read-only tally snapshot.
type TallyResponse struct {
	Counts   map[string]uint64 `json:"counts"`
	Received uint64            `json:"received"`
}

// RetryRequest identifies the quarantined ballot an operator wants retried.
type RetryRequest struct {
	BallotID types.BallotID `json:"ballotId"`
}

// PendingRecord is one entry of the admin pending/quarantine dumps.
type PendingRecord struct {
	BallotID     types.BallotID `json:"ballotId"`
	State        string         `json:"state"`
	Priority     string         `json:"priority"`
	Attempts     int            `json:"attempts"`
	WaitAttempts int            `json:"waitAttempts,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
}
