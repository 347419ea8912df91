// Package audit implements the line-oriented append-only audit trail each
// tier keeps next to its durable store. Records are flushed with fsync so the
// trail survives a crash of the owning process.
//
// Line format:
//
//	AUDIT | 2006-01-02T15:04:05.000Z | op | ballotId | detail
package audit

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/types"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Log is an append-with-fsync audit trail. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	file *os.File
	sync bool
}

// Entry is one parsed audit record.
type Entry struct {
	Time     time.Time
	Op       string
	BallotID types.BallotID
	Detail   string
}

// Open opens (or creates) the audit log at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return &Log{file: f, sync: true}, nil
}

// OpenNoSync opens the audit log without fsync on every write. Tests only.
func OpenNoSync(path string) (*Log, error) {
	l, err := Open(path)
	if err != nil {
		return nil, err
	}
	l.sync = false
	return l, nil
}

// Write appends one audit record. The record is durable when Write returns.
func (l *Log) Write(op string, ballotID types.BallotID, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("AUDIT | %s | %s | %s | %s\n",
		time.Now().UTC().Format(timeFormat), op, ballotID.Hex(), sanitize(detail))
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	if !l.sync {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// MustWrite is Write for callers that treat the audit trail as best effort;
// failures are logged and swallowed.
func (l *Log) MustWrite(op string, ballotID types.BallotID, detail string) {
	if err := l.Write(op, ballotID, detail); err != nil {
		log.Warnw("failed to write audit record", "op", op, "error", err.Error())
	}
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Read parses all the records of an audit log file.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry, err := parseLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.SplitN(line, " | ", 5)
	if len(fields) != 5 || fields[0] != "AUDIT" {
		return Entry{}, fmt.Errorf("malformed audit record: %q", line)
	}
	ts, err := time.Parse(timeFormat, fields[1])
	if err != nil {
		return Entry{}, fmt.Errorf("malformed audit timestamp: %w", err)
	}
	ballotID, err := types.HexStringToHexBytes(fields[3])
	if err != nil {
		return Entry{}, fmt.Errorf("malformed audit ballotId: %w", err)
	}
	return Entry{
		Time:     ts,
		Op:       fields[2],
		BallotID: ballotID,
		Detail:   fields[4],
	}, nil
}

// sanitize keeps the record single-line and field-separator free.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, " | ", " / ")
}
