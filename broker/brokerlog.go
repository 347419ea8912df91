package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/suffragium/suffragium/audit"
	"github.com/suffragium/suffragium/db"
	"github.com/suffragium/suffragium/db/prefixeddb"
	"github.com/suffragium/suffragium/storage"
	"github.com/suffragium/suffragium/types"
)

// recordPrefix namespaces broker records by ballotId.
var recordPrefix = []byte("r/")

// Record is the durable trace of one ballot passing through the broker. The
// payload is the serialized ballot (it never carries a voterId). Attempts and
// WaitAttempts are persisted so restarts preserve the backoff stage.
type Record struct {
	BallotID     types.BallotID `cbor:"1,keyasint"`
	Payload      []byte         `cbor:"2,keyasint"`
	ConfirmURL   string         `cbor:"3,keyasint,omitempty"`
	ArrivalTime  time.Time      `cbor:"4,keyasint"`
	State        int            `cbor:"5,keyasint"`
	Priority     int            `cbor:"6,keyasint"`
	Attempts     int            `cbor:"7,keyasint"`
	WaitAttempts int            `cbor:"8,keyasint,omitempty"`
	LastError    string         `cbor:"9,keyasint,omitempty"`
	LastAttempt  time.Time      `cbor:"10,keyasint,omitempty"`
	Quarantined  bool           `cbor:"11,keyasint,omitempty"`
}

// Ballot deserializes the record payload.
func (r *Record) Ballot() (*types.Ballot, error) {
	ballot := new(types.Ballot)
	if err := storage.DecodeArtifact(r.Payload, ballot); err != nil {
		return nil, fmt.Errorf("decode record payload: %w", err)
	}
	return ballot, nil
}

// Log is the append-style durable store of broker records, indexed by
// ballotId. Write path is single-writer; reads are concurrent-safe.
type Log struct {
	db        db.Database
	audit     *audit.Log
	writeLock sync.Mutex
}

// NewLog creates a broker log over the given database and audit trail.
func NewLog(database db.Database, auditLog *audit.Log) *Log {
	return &Log{db: database, audit: auditLog}
}

// Record durably stores a ballot offer. Idempotent by ballotId: a second call
// only refreshes the priority (and confirm address), it never duplicates the
// record or resets its delivery state.
func (l *Log) Record(offer *types.Offer, priority int) (*Record, error) {
	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	record := new(Record)
	err := storage.GetArtifact(l.db, recordPrefix, offer.BallotID, record)
	switch {
	case err == nil:
		record.Priority = priority
		if offer.ConfirmURL != "" {
			record.ConfirmURL = offer.ConfirmURL
		}
		if err := storage.SetArtifact(l.db, recordPrefix, offer.BallotID, record); err != nil {
			return nil, fmt.Errorf("refresh broker record: %w", err)
		}
		return record, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	payload, err := storage.EncodeArtifact(offer.Ballot())
	if err != nil {
		return nil, fmt.Errorf("encode ballot payload: %w", err)
	}
	record = &Record{
		BallotID:    offer.BallotID,
		Payload:     payload,
		ConfirmURL:  offer.ConfirmURL,
		ArrivalTime: time.Now().UTC(),
		State:       types.BallotStatePending,
		Priority:    priority,
	}
	if err := storage.SetArtifact(l.db, recordPrefix, offer.BallotID, record); err != nil {
		return nil, fmt.Errorf("store broker record: %w", err)
	}
	l.audit.MustWrite("accept", offer.BallotID,
		fmt.Sprintf("station=%s priority=%s", offer.StationID, types.PriorityName(priority)))
	return record, nil
}

// Get returns the record for a ballotId.
func (l *Log) Get(ballotID types.BallotID) (*Record, error) {
	record := new(Record)
	if err := storage.GetArtifact(l.db, recordPrefix, ballotID, record); err != nil {
		return nil, err
	}
	return record, nil
}

// MarkSent moves a record to SENT after the central acknowledged it.
func (l *Log) MarkSent(ballotID types.BallotID) error {
	return l.update(ballotID, func(r *Record) error {
		if r.State == types.BallotStateSent {
			return nil
		}
		if !types.ValidBallotStateTransition(r.State, types.BallotStateSent) {
			return fmt.Errorf("record %s: %s → sent not allowed",
				ballotID.String(), types.BallotStateName(r.State))
		}
		r.State = types.BallotStateSent
		r.LastError = ""
		return nil
	}, "sent", "")
}

// CountAttempt records a failed delivery attempt.
func (l *Log) CountAttempt(ballotID types.BallotID, lastError string) error {
	return l.update(ballotID, func(r *Record) error {
		r.Attempts++
		r.LastAttempt = time.Now().UTC()
		r.LastError = lastError
		return nil
	}, "", "")
}

// CountWait records a delivery skipped because the destination breaker is
// open. Wait attempts do not advance the backoff stage.
func (l *Log) CountWait(ballotID types.BallotID) error {
	return l.update(ballotID, func(r *Record) error {
		r.WaitAttempts++
		return nil
	}, "", "")
}

// Quarantine parks a record: it stays durable but the scheduler skips it
// until an operator retries it.
func (l *Log) Quarantine(ballotID types.BallotID, reason string) error {
	return l.update(ballotID, func(r *Record) error {
		r.Quarantined = true
		r.LastError = reason
		return nil
	}, "quarantine", reason)
}

// ForceRetry lifts the quarantine of a record and resets its backoff stage.
// Admin operation.
func (l *Log) ForceRetry(ballotID types.BallotID) error {
	return l.update(ballotID, func(r *Record) error {
		r.Quarantined = false
		r.Attempts = 0
		r.LastError = ""
		return nil
	}, "force_retry", "")
}

func (l *Log) update(ballotID types.BallotID, mutate func(*Record) error, op, detail string) error {
	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	record := new(Record)
	if err := storage.GetArtifact(l.db, recordPrefix, ballotID, record); err != nil {
		return err
	}
	if err := mutate(record); err != nil {
		return err
	}
	if err := storage.SetArtifact(l.db, recordPrefix, ballotID, record); err != nil {
		return fmt.Errorf("update broker record: %w", err)
	}
	if op != "" {
		l.audit.MustWrite(op, ballotID, detail)
	}
	return nil
}

// ListPending returns every non-quarantined record not yet SENT, ordered by
// (priority, arrivalTime).
func (l *Log) ListPending() ([]*Record, error) {
	records, err := l.scan(func(r *Record) bool {
		return r.State != types.BallotStateSent && !r.Quarantined
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].ArrivalTime.Before(records[j].ArrivalTime)
	})
	return records, nil
}

// ListQuarantined returns the quarantined records. Admin operation.
func (l *Log) ListQuarantined() ([]*Record, error) {
	return l.scan(func(r *Record) bool { return r.Quarantined })
}

// CountByState returns the number of records per delivery state.
func (l *Log) CountByState() map[int]int {
	counts := map[int]int{}
	records, err := l.scan(func(*Record) bool { return true })
	if err != nil {
		return counts
	}
	for _, r := range records {
		counts[r.State]++
	}
	return counts
}

func (l *Log) scan(keep func(*Record) bool) ([]*Record, error) {
	var records []*Record
	var scanErr error
	if err := prefixeddb.NewPrefixedReader(l.db, recordPrefix).Iterate(nil, func(_, v []byte) bool {
		record := new(Record)
		if err := storage.DecodeArtifact(v, record); err != nil {
			scanErr = fmt.Errorf("decode broker record: %w", err)
			return false
		}
		if keep(record) {
			records = append(records, record)
		}
		return true
	}); err != nil {
		return nil, fmt.Errorf("iterate broker log: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return records, nil
}

// Recover re-enqueues every pending record at high priority. Called once at
// startup, before the scheduler runs.
func (l *Log) Recover(queue *Queue) (int, error) {
	pending, err := l.ListPending()
	if err != nil {
		return 0, fmt.Errorf("scan broker log for recovery: %w", err)
	}
	for _, record := range pending {
		if record.Priority > types.PriorityHigh {
			if err := l.update(record.BallotID, func(r *Record) error {
				r.Priority = types.PriorityHigh
				return nil
			}, "", ""); err != nil {
				return 0, err
			}
			record.Priority = types.PriorityHigh
		}
		if err := queue.Enqueue(record.BallotID, record.Priority, record.ArrivalTime); err != nil {
			// Queue smaller than the backlog: the rest stays pending in the
			// log and the scheduler re-scan picks it up.
			break
		}
	}
	l.audit.MustWrite("recover", nil, fmt.Sprintf("pending=%d", len(pending)))
	return len(pending), nil
}

// Audit exposes the audit trail for components that share it.
func (l *Log) Audit() *audit.Log {
	return l.audit
}

// Compact compacts the underlying store. Admin operation.
func (l *Log) Compact() error {
	l.writeLock.Lock()
	defer l.writeLock.Unlock()
	return l.db.Compact()
}
