package hashtree

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowerShapes(t *testing.T) {
	assert.Equal(t, KindEmpty, New().Lower().Kind)

	one := New()
	one.Insert(Path("time"), []byte{1})
	root := one.Lower()
	require.Equal(t, KindLabeled, root.Kind)
	assert.Equal(t, []byte("time"), root.Label)
	assert.Equal(t, KindLeaf, root.Child.Kind)

	two := New()
	two.Insert(Path("a"), []byte("1"))
	two.Insert(Path("b"), []byte("2"))
	root = two.Lower()
	require.Equal(t, KindFork, root.Kind)
	assert.Equal(t, []byte("a"), root.Left.Label)
	assert.Equal(t, []byte("b"), root.Right.Label)
}

func TestLowerFoldsManyChildrenToTheRight(t *testing.T) {
	tree := New()
	labels := []string{"a", "b", "c", "d", "e"}
	for _, l := range labels {
		tree.Insert(Path("request_status", l), []byte(l))
	}
	root := tree.Lower()
	require.Equal(t, KindLabeled, root.Kind)

	n := root.Child
	for i, l := range labels[:len(labels)-1] {
		require.Equal(t, KindFork, n.Kind, "level %d", i)
		assert.Equal(t, []byte(l), n.Left.Label)
		n = n.Right
	}
	assert.Equal(t, KindLabeled, n.Kind)
	assert.Equal(t, []byte("e"), n.Label)

	for _, l := range labels {
		v, res := root.LookupString("request_status", l)
		require.Equal(t, Found, res, l)
		assert.Equal(t, []byte(l), v)
	}
}

func TestInsertMatchesExactBytes(t *testing.T) {
	tree := New()
	tree.Insert([][]byte{{0x01}, []byte("status")}, []byte("processing"))
	tree.Insert([][]byte{{0x01}, []byte("status")}, []byte("replied"))
	tree.Insert([][]byte{{0x01, 0x00}, []byte("status")}, []byte("received"))
	root := tree.Lower()

	v, res := root.Lookup([]byte{0x01}, []byte("status"))
	require.Equal(t, Found, res)
	assert.Equal(t, "replied", string(v))
	v, res = root.Lookup([]byte{0x01, 0x00}, []byte("status"))
	require.Equal(t, Found, res)
	assert.Equal(t, "received", string(v))
}

func TestLookupResults(t *testing.T) {
	root := Fork(
		Labeled([]byte("a"), Leaf([]byte("x"))),
		Fork(Pruned([32]byte{1}), Labeled([]byte("c"), Fork(Empty(), Leaf(nil)))),
	)
	_, res := root.LookupString("a")
	assert.Equal(t, Found, res)
	_, res = root.LookupString("b")
	assert.Equal(t, Unknown, res)
	_, res = root.LookupString("c")
	assert.Equal(t, Error, res)
	_, res = Labeled([]byte("a"), Empty()).LookupString("z")
	assert.Equal(t, Absent, res)
	_, res = Labeled([]byte("a"), Empty()).LookupString("a")
	assert.Equal(t, Absent, res)
}

func TestReconstruct(t *testing.T) {
	sum := func(parts ...[]byte) [32]byte {
		h := sha256.New()
		for _, p := range parts {
			h.Write(p)
		}
		var out [32]byte
		copy(out[:], h.Sum(nil))
		return out
	}

	leaf := sum([]byte("\x10ic-hashtree-leaf"), []byte("hello"))
	labeled := sum([]byte("\x13ic-hashtree-labeled"), []byte("x"), leaf[:])
	empty := sum([]byte("\x11ic-hashtree-empty"))
	fork := sum([]byte("\x10ic-hashtree-fork"), labeled[:], empty[:])

	tree := Fork(Labeled([]byte("x"), Leaf([]byte("hello"))), Empty())
	assert.Equal(t, fork, tree.Reconstruct())

	pruned := Fork(Pruned(labeled), Empty())
	assert.Equal(t, fork, pruned.Reconstruct())
}

func TestReconstructKnownVector(t *testing.T) {
	// Example tree from the public interface specification.
	tree := Fork(
		Fork(
			Labeled([]byte("a"), Fork(
				Fork(Labeled([]byte("x"), Leaf([]byte("hello"))), Empty()),
				Labeled([]byte("y"), Leaf([]byte("world"))),
			)),
			Labeled([]byte("b"), Leaf([]byte("good"))),
		),
		Fork(
			Labeled([]byte("c"), Empty()),
			Labeled([]byte("d"), Leaf([]byte("morning"))),
		),
	)
	root := tree.Reconstruct()
	assert.Equal(t, "eb5c5b2195e62d996b84c9bcc8259d19a83786a2f59e0878cec84c811f669aa0", hex.EncodeToString(root[:]))
}

func TestCBORRoundTrip(t *testing.T) {
	tree := New()
	tree.Insert(Path("time"), []byte{0x80, 0x01})
	tree.Insert(Path("request_status", "1", "reply"), []byte("DIDL\x00\x00"))
	tree.Insert(Path("request_status", "1", "status"), []byte("replied"))
	root := tree.Lower()

	data, err := cbor.Marshal(root)
	require.NoError(t, err)

	var back Node
	require.NoError(t, cbor.Unmarshal(data, &back))
	assert.Equal(t, root.Reconstruct(), back.Reconstruct())
	v, res := back.LookupString("request_status", "1", "status")
	require.Equal(t, Found, res)
	assert.Equal(t, "replied", string(v))
}

func TestUnmarshalRejectsBadShapes(t *testing.T) {
	for _, v := range []any{
		[]any{},
		[]any{9},
		[]any{1, []any{0}},
		[]any{4, []byte{1, 2}},
	} {
		data, err := cbor.Marshal(v)
		require.NoError(t, err)
		var n Node
		assert.ErrorIs(t, cbor.Unmarshal(data, &n), ErrMalformed, "%v", v)
	}
}
