package hashtree

import "bytes"

// LookupResult classifies the outcome of a path lookup.
type LookupResult int

const (
	Found LookupResult = iota
	Absent
	// Unknown means the path may exist behind a pruned subtree.
	Unknown
	// Error means the path ends on an interior node.
	Error
)

func (r LookupResult) String() string {
	switch r {
	case Found:
		return "found"
	case Absent:
		return "absent"
	case Unknown:
		return "unknown"
	}
	return "error"
}

// Lookup resolves path to a leaf value.
func (n *Node) Lookup(path ...[]byte) ([]byte, LookupResult) {
	if len(path) == 0 {
		switch n.Kind {
		case KindLeaf:
			return n.Value, Found
		case KindEmpty:
			return nil, Absent
		case KindPruned:
			return nil, Unknown
		}
		return nil, Error
	}

	pruned := false
	for _, sub := range n.flatten(nil) {
		switch sub.Kind {
		case KindLabeled:
			if bytes.Equal(sub.Label, path[0]) {
				return sub.Child.Lookup(path[1:]...)
			}
		case KindPruned:
			pruned = true
		}
	}
	if pruned {
		return nil, Unknown
	}
	return nil, Absent
}

// LookupString is Lookup over text labels.
func (n *Node) LookupString(labels ...string) ([]byte, LookupResult) {
	return n.Lookup(Path(labels...)...)
}

// flatten lists the non-fork nodes under a chain of forks, left to right.
func (n *Node) flatten(out []*Node) []*Node {
	switch n.Kind {
	case KindFork:
		return n.Right.flatten(n.Left.flatten(out))
	case KindEmpty:
		return out
	}
	return append(out, n)
}
