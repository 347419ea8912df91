package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/suffragium/suffragium/db/metadb"
)

type testArtifact struct {
	Name  string `cbor:"1,keyasint" json:"name"`
	Count uint64 `cbor:"2,keyasint" json:"count"`
}

func TestArtifactRoundTrip(t *testing.T) {
	c := qt.New(t)
	database := metadb.NewTest(t)
	prefix := []byte("a/")

	in := &testArtifact{Name: "C1", Count: 42}
	c.Assert(SetArtifact(database, prefix, []byte("k1"), in), qt.IsNil)
	c.Assert(HasArtifact(database, prefix, []byte("k1")), qt.IsTrue)

	out := &testArtifact{}
	c.Assert(GetArtifact(database, prefix, []byte("k1"), out), qt.IsNil)
	c.Assert(out, qt.DeepEquals, in)

	// Missing keys answer ErrNotFound.
	err := GetArtifact(database, prefix, []byte("missing"), out)
	c.Assert(err, qt.Equals, ErrNotFound)
	c.Assert(HasArtifact(database, prefix, []byte("missing")), qt.IsFalse)

	// Prefixes are isolated from each other.
	c.Assert(HasArtifact(database, []byte("b/"), []byte("k1")), qt.IsFalse)

	c.Assert(DeleteArtifact(database, prefix, []byte("k1")), qt.IsNil)
	c.Assert(HasArtifact(database, prefix, []byte("k1")), qt.IsFalse)
}

func TestListKeys(t *testing.T) {
	c := qt.New(t)
	database := metadb.NewTest(t)
	prefix := []byte("l/")

	for _, k := range []string{"k3", "k1", "k2"} {
		c.Assert(SetArtifact(database, prefix, []byte(k), &testArtifact{Name: k}), qt.IsNil)
	}
	c.Assert(SetArtifact(database, []byte("other/"), []byte("k9"), &testArtifact{}), qt.IsNil)

	keys, err := ListKeys(database, prefix)
	c.Assert(err, qt.IsNil)
	c.Assert(keys, qt.HasLen, 3)
	// Lexicographic key order.
	c.Assert(string(keys[0]), qt.Equals, "k1")
	c.Assert(string(keys[1]), qt.Equals, "k2")
	c.Assert(string(keys[2]), qt.Equals, "k3")
}

func TestEncodeArtifactFormats(t *testing.T) {
	c := qt.New(t)
	in := &testArtifact{Name: "C1", Count: 7}

	// Deterministic CBOR is the default.
	first, err := EncodeArtifact(in)
	c.Assert(err, qt.IsNil)
	second, err := EncodeArtifact(in, ArtifactEncodingCBOR)
	c.Assert(err, qt.IsNil)
	c.Assert(first, qt.DeepEquals, second)
	out := &testArtifact{}
	c.Assert(DecodeArtifact(first, out), qt.IsNil)
	c.Assert(out, qt.DeepEquals, in)

	// JSON on request.
	data, err := EncodeArtifact(in, ArtifactEncodingJSON)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Contains, `"name":"C1"`)
	out = &testArtifact{}
	c.Assert(DecodeArtifact(data, out, ArtifactEncodingJSON), qt.IsNil)
	c.Assert(out, qt.DeepEquals, in)

	_, err = EncodeArtifact(in, ArtifactEncoding(9))
	c.Assert(err, qt.IsNotNil)
}
