// Package hashtree builds labeled Merkle trees and reduces them to a root
// hash. Trees are assembled from path/value insertions and lowered once into
// the canonical fork/labeled/leaf form that gets hashed, signed and shipped.
package hashtree

import (
	"bytes"
	"fmt"

	ichashtree "github.com/aviate-labs/agent-go/certification/hashtree"
)

// Kind tags a canonical node. The values are the wire tags.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindFork
	KindLabeled
	KindLeaf
	KindPruned
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindFork:
		return "fork"
	case KindLabeled:
		return "labeled"
	case KindLeaf:
		return "leaf"
	case KindPruned:
		return "pruned"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Node is a canonical hash tree node.
type Node struct {
	Kind Kind
	// Left and Right are set on forks.
	Left, Right *Node
	// Label and Child are set on labeled edges.
	Label []byte
	Child *Node
	// Value is the payload of a leaf.
	Value []byte
	// Digest replaces a pruned subtree.
	Digest [32]byte
}

func Empty() *Node { return &Node{Kind: KindEmpty} }

func Fork(left, right *Node) *Node { return &Node{Kind: KindFork, Left: left, Right: right} }

func Labeled(label []byte, child *Node) *Node {
	return &Node{Kind: KindLabeled, Label: label, Child: child}
}

func Leaf(value []byte) *Node { return &Node{Kind: KindLeaf, Value: value} }

func Pruned(digest [32]byte) *Node { return &Node{Kind: KindPruned, Digest: digest} }

// Tree collects path/value facts before lowering.
type Tree struct {
	root entry
}

type edge struct {
	label []byte
	node  *entry
}

type entry struct {
	edges    []edge
	value    []byte
	hasValue bool
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{}
}

// Path converts text labels into a path.
func Path(labels ...string) [][]byte {
	out := make([][]byte, len(labels))
	for i, l := range labels {
		out[i] = []byte(l)
	}
	return out
}

// Insert stores value at path, creating intermediate edges on demand.
// Labels match by exact bytes; inserting at an existing path replaces the value.
func (t *Tree) Insert(path [][]byte, value []byte) {
	n := &t.root
	for _, label := range path {
		n = n.child(label)
	}
	n.value = append([]byte(nil), value...)
	n.hasValue = true
}

func (n *entry) child(label []byte) *entry {
	for _, e := range n.edges {
		if bytes.Equal(e.label, label) {
			return e.node
		}
	}
	next := &entry{}
	n.edges = append(n.edges, edge{label: append([]byte(nil), label...), node: next})
	return next
}

// Lower converts the collected facts into canonical form. A node with
// children becomes a right-folded chain of forks over its labeled edges, a
// childless node with a value becomes a leaf and anything else is empty.
func (t *Tree) Lower() *Node {
	return lower(&t.root)
}

func lower(n *entry) *Node {
	if len(n.edges) > 0 {
		items := make([]*Node, len(n.edges))
		for i, e := range n.edges {
			items[i] = Labeled(e.label, lower(e.node))
		}
		return foldRight(items)
	}
	if n.hasValue {
		return Leaf(n.value)
	}
	return Empty()
}

func foldRight(items []*Node) *Node {
	acc := items[len(items)-1]
	for i := len(items) - 2; i >= 0; i-- {
		acc = Fork(items[i], acc)
	}
	return acc
}

// DomainSep is a length-prefixed domain separator.
func DomainSep(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

// Reconstruct computes the root hash of the tree with the agent library's
// node types.
func (n *Node) Reconstruct() [32]byte {
	return n.agentNode().Reconstruct()
}

func (n *Node) agentNode() ichashtree.Node {
	switch n.Kind {
	case KindFork:
		return ichashtree.Fork{LeftTree: n.Left.agentNode(), RightTree: n.Right.agentNode()}
	case KindLabeled:
		return ichashtree.Labeled{Label: ichashtree.Label(n.Label), Tree: n.Child.agentNode()}
	case KindLeaf:
		return ichashtree.Leaf(n.Value)
	case KindPruned:
		return ichashtree.Pruned(n.Digest)
	}
	return ichashtree.Empty{}
}
