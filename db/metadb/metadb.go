// Package metadb selects a db.Database implementation by type name.
package metadb

import (
	"fmt"
	"testing"

	"github.com/suffragium/suffragium/db"
	"github.com/suffragium/suffragium/db/inmemory"
	"github.com/suffragium/suffragium/db/pebbledb"
)

const (
	// TypePebble is the durable pebble-backed database.
	TypePebble = "pebble"
	// TypeInMemory is the ephemeral in-memory database.
	TypeInMemory = "inmemory"
)

// New returns a db.Database of the given type rooted at dir.
func New(typ, dir string) (db.Database, error) {
	switch typ {
	case TypePebble:
		return pebbledb.New(db.Options{Path: dir})
	case TypeInMemory:
		return inmemory.New(db.Options{Path: dir})
	default:
		return nil, fmt.Errorf("invalid dbType: %q. Available types: %q %q",
			typ, TypePebble, TypeInMemory)
	}
}

// NewTest returns a throwaway database backed by a test temporary directory.
func NewTest(tb testing.TB) db.Database {
	database, err := New(TypePebble, tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := database.Close(); err != nil {
			tb.Error(err)
		}
	})
	return database
}
