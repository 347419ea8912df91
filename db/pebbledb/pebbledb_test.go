package pebbledb

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/suffragium/suffragium/db"
)

func TestWriteTx(t *testing.T) {
	c := qt.New(t)
	database, err := New(db.Options{Path: t.TempDir()})
	c.Assert(err, qt.IsNil)
	defer func() {
		c.Assert(database.Close(), qt.IsNil)
	}()

	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("k1"), []byte("v1")), qt.IsNil)
	c.Assert(wTx.Set([]byte("k2"), []byte("v2")), qt.IsNil)

	// Nothing is visible before Commit.
	_, err = database.Get([]byte("k1"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)

	c.Assert(wTx.Commit(), qt.IsNil)
	v, err := database.Get([]byte("k1"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(v), qt.Equals, "v1")

	// Deletes commit atomically with writes.
	wTx = database.WriteTx()
	c.Assert(wTx.Delete([]byte("k1")), qt.IsNil)
	c.Assert(wTx.Set([]byte("k3"), []byte("v3")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	_, err = database.Get([]byte("k1"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)
	_, err = database.Get([]byte("k3"))
	c.Assert(err, qt.IsNil)
}

func TestDiscard(t *testing.T) {
	c := qt.New(t)
	database, err := New(db.Options{Path: t.TempDir()})
	c.Assert(err, qt.IsNil)
	defer func() {
		c.Assert(database.Close(), qt.IsNil)
	}()

	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("gone"), []byte("x")), qt.IsNil)
	wTx.Discard()
	_, err = database.Get([]byte("gone"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)
}

func TestIterate(t *testing.T) {
	c := qt.New(t)
	database, err := New(db.Options{Path: t.TempDir()})
	c.Assert(err, qt.IsNil)
	defer func() {
		c.Assert(database.Close(), qt.IsNil)
	}()

	wTx := database.WriteTx()
	for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
		c.Assert(wTx.Set([]byte(k), []byte("v")), qt.IsNil)
	}
	c.Assert(wTx.Commit(), qt.IsNil)

	var keys []string
	c.Assert(database.Iterate([]byte("a/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"1", "2", "3"})

	// The callback can stop the iteration early.
	count := 0
	c.Assert(database.Iterate(nil, func(_, _ []byte) bool {
		count++
		return count < 2
	}), qt.IsNil)
	c.Assert(count, qt.Equals, 2)
}

func TestPersistsAcrossReopen(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	database, err := New(db.Options{Path: dir})
	c.Assert(err, qt.IsNil)
	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("durable"), []byte("yes")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	c.Assert(database.Close(), qt.IsNil)

	database, err = New(db.Options{Path: dir})
	c.Assert(err, qt.IsNil)
	defer func() {
		c.Assert(database.Close(), qt.IsNil)
	}()
	v, err := database.Get([]byte("durable"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(v), qt.Equals, "yes")
}
