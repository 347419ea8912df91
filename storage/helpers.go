package storage

import (
	"errors"
	"fmt"
	"slices"

	"github.com/suffragium/suffragium/db"
	"github.com/suffragium/suffragium/db/prefixeddb"
)

var (
	// ErrNotFound is returned when the requested artifact does not exist.
	ErrNotFound = errors.New("not found")
	// ErrKeyAlreadyExists is returned when storing over an existing key
	// that must not be overwritten.
	ErrKeyAlreadyExists = errors.New("key already exists")
	// ErrNoMoreElements is returned by scans when nothing is left.
	ErrNoMoreElements = errors.New("no more elements")
)

// SetArtifact stores an encoded artifact under prefix/key. It overwrites any
// previous value.
func SetArtifact(database db.Database, prefix, key []byte, artifact any) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(database.WriteTx(), prefix)
	defer wTx.Discard()
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// GetArtifact retrieves and decodes the artifact stored under prefix/key
// into out. Returns ErrNotFound if the key does not exist.
func GetArtifact(database db.Database, prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(database, prefix).Get(key)
	if err != nil {
		return ErrNotFound
	}
	if err := DecodeArtifact(data, out); err != nil {
		return fmt.Errorf("could not decode artifact: %w", err)
	}
	return nil
}

// DeleteArtifact removes the artifact stored under prefix/key.
func DeleteArtifact(database db.Database, prefix, key []byte) error {
	wTx := prefixeddb.NewPrefixedWriteTx(database.WriteTx(), prefix)
	defer wTx.Discard()
	if err := wTx.Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}

// HasArtifact reports whether prefix/key exists.
func HasArtifact(database db.Database, prefix, key []byte) bool {
	_, err := prefixeddb.NewPrefixedReader(database, prefix).Get(key)
	return err == nil
}

// ListKeys retrieves all the keys stored under a prefix.
func ListKeys(database db.Database, prefix []byte) ([][]byte, error) {
	var keys [][]byte
	if err := prefixeddb.NewPrefixedReader(database, prefix).Iterate(nil, func(k, _ []byte) bool {
		keys = append(keys, slices.Clone(k))
		return true
	}); err != nil {
		return nil, err
	}
	return keys, nil
}
