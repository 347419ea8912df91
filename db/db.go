// Package db defines the key-value database interface used by the durable
// stores of the pipeline (station outbox, broker log, central received log
// and tally checkpoint). Implementations must guarantee that a committed
// WriteTx is durable before Commit returns.
package db

import "errors"

var (
	// ErrKeyNotFound is returned when the key is not found in the database.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned when a transaction conflicts with a
	// concurrently committed one.
	ErrConflict = errors.New("transaction conflict")
)

// Options defines generic parameters for the database implementations.
type Options struct {
	Path string
}

// Database is the interface for a durable key-value store with
// write transactions and prefix iteration.
type Database interface {
	Reader
	// WriteTx returns a new write transaction.
	WriteTx() WriteTx
	// Close closes the database, flushing pending writes.
	Close() error
	// Compact triggers a compaction of the underlying store. Offline
	// maintenance only, never required for correctness.
	Compact() error
}

// Reader is the interface for read-only access.
type Reader interface {
	// Get retrieves the value for the given key. Returns ErrKeyNotFound
	// if the key does not exist.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback with all key-value pairs whose key starts
	// with prefix, in lexicographic key order. The callback returns false
	// to stop the iteration. The callback byte slices are only valid for
	// the duration of the call.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx is a set of reads and writes applied atomically on Commit.
// A WriteTx must end with either Commit or Discard.
type WriteTx interface {
	Reader
	// Set stores the key-value pair.
	Set(key, value []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(key []byte) error
	// Apply copies all the writes from another transaction into this one.
	Apply(other WriteTx) error
	// Commit atomically and durably applies the transaction.
	Commit() error
	// Discard drops the transaction. Calling Discard after Commit is a
	// no-op, so it is safe to defer.
	Discard()
}
