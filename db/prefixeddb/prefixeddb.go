// Package prefixeddb wraps a db.Database restricting all operations to a
// byte prefix, so that several logical stores can share one database.
package prefixeddb

import (
	"bytes"
	"slices"

	"github.com/suffragium/suffragium/db"
)

// PrefixedDatabase implements db.Database over a namespace of a parent
// database.
type PrefixedDatabase struct {
	parent db.Database
	prefix []byte
}

// NewPrefixedDatabase returns a db.Database whose keys are transparently
// namespaced under prefix.
func NewPrefixedDatabase(parent db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{
		parent: parent,
		prefix: slices.Clone(prefix),
	}
}

// NewPrefixedReader returns a read-only view of parent under prefix.
func NewPrefixedReader(parent db.Database, prefix []byte) db.Reader {
	return NewPrefixedDatabase(parent, prefix)
}

// NewPrefixedWriteTx wraps an existing write transaction under prefix.
// Committing the returned transaction commits the parent transaction.
func NewPrefixedWriteTx(tx db.WriteTx, prefix []byte) db.WriteTx {
	return &prefixedWriteTx{tx: tx, prefix: slices.Clone(prefix)}
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.parent.Get(prefixKey(d.prefix, key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	full := prefixKey(d.prefix, prefix)
	return d.parent.Iterate(full, func(key, value []byte) bool {
		return callback(bytes.TrimPrefix(key, d.prefix), value)
	})
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return NewPrefixedWriteTx(d.parent.WriteTx(), d.prefix)
}

// Close is a no-op, the parent database owns the resources.
func (d *PrefixedDatabase) Close() error { return nil }

func (d *PrefixedDatabase) Compact() error { return d.parent.Compact() }

type prefixedWriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

func (tx *prefixedWriteTx) Get(key []byte) ([]byte, error) {
	return tx.tx.Get(prefixKey(tx.prefix, key))
}

func (tx *prefixedWriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	full := prefixKey(tx.prefix, prefix)
	return tx.tx.Iterate(full, func(key, value []byte) bool {
		return callback(bytes.TrimPrefix(key, tx.prefix), value)
	})
}

func (tx *prefixedWriteTx) Set(key, value []byte) error {
	return tx.tx.Set(prefixKey(tx.prefix, key), value)
}

func (tx *prefixedWriteTx) Delete(key []byte) error {
	return tx.tx.Delete(prefixKey(tx.prefix, key))
}

func (tx *prefixedWriteTx) Apply(other db.WriteTx) error {
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.Set(k, v) == nil
	})
}

func (tx *prefixedWriteTx) Commit() error { return tx.tx.Commit() }

func (tx *prefixedWriteTx) Discard() { tx.tx.Discard() }

func prefixKey(prefix, key []byte) []byte {
	return slices.Concat(prefix, key)
}
