package station

import (
	"errors"
	"sync"
)

var (
	// ErrNotOnRoll is returned when the voter is not in the eligible set.
	ErrNotOnRoll = errors.New("voter not on the electoral roll")
	// ErrAlreadyVoted is returned when the voter already cast a ballot.
	ErrAlreadyVoted = errors.New("voter already voted")
)

// Roll is the electoral roll of one station: an immutable eligible set plus
// the voted view rebuilt from the outbox on startup. Authorization and the
// cast that follows it run under a per-voter lock, so two concurrent casts by
// the same voter cannot both pass the check.
type Roll struct {
	eligible map[string]struct{}

	mu    sync.Mutex
	voted map[string]struct{}
	locks map[string]*sync.Mutex
}

// NewRoll builds a roll from the eligible voter list and the voterIds already
// present in the outbox (all non-rejected entries count as voted).
func NewRoll(eligible []string, alreadyVoted []string) *Roll {
	r := &Roll{
		eligible: make(map[string]struct{}, len(eligible)),
		voted:    make(map[string]struct{}, len(alreadyVoted)),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, v := range eligible {
		r.eligible[v] = struct{}{}
	}
	for _, v := range alreadyVoted {
		r.voted[v] = struct{}{}
	}
	return r
}

// Lock acquires the per-voter lock. The caller holds it across the whole
// authorize-and-cast critical section and releases it with the returned
// function.
func (r *Roll) Lock(voterID string) func() {
	r.mu.Lock()
	l, ok := r.locks[voterID]
	if !ok {
		l = new(sync.Mutex)
		r.locks[voterID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Authorize checks that the voter is eligible and has not voted. The caller
// must hold the voter lock.
func (r *Roll) Authorize(voterID string) error {
	if _, ok := r.eligible[voterID]; !ok {
		return ErrNotOnRoll
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.voted[voterID]; ok {
		return ErrAlreadyVoted
	}
	return nil
}

// MarkVoted records that the voter cast a ballot. Called only after the
// outbox append committed, still under the voter lock.
func (r *Roll) MarkVoted(voterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voted[voterID] = struct{}{}
}

// ClearVoted removes a voter from the voted view after their only ballot
// was permanently rejected, so Authorize lets them cast again.
func (r *Roll) ClearVoted(voterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.voted, voterID)
}

// Eligible reports whether the voter is on the roll.
func (r *Roll) Eligible(voterID string) bool {
	_, ok := r.eligible[voterID]
	return ok
}

// VotedCount returns the number of voters that already cast a ballot.
func (r *Roll) VotedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.voted)
}

// Size returns the number of eligible voters.
func (r *Roll) Size() int {
	return len(r.eligible)
}
