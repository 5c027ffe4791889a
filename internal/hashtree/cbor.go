package hashtree

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var ErrMalformed = errors.New("hashtree: malformed node")

// Empty values still go out as byte strings, never as CBOR null.
var encMode, _ = cbor.EncOptions{NilContainers: cbor.NilContainerAsEmpty}.EncMode()

// MarshalCBOR encodes the node as a tagged array: [0], [1, l, r],
// [2, label, t], [3, value] or [4, digest].
func (n *Node) MarshalCBOR() ([]byte, error) {
	var arr []any
	switch n.Kind {
	case KindEmpty:
		arr = []any{uint8(KindEmpty)}
	case KindFork:
		arr = []any{uint8(KindFork), n.Left, n.Right}
	case KindLabeled:
		arr = []any{uint8(KindLabeled), n.Label, n.Child}
	case KindLeaf:
		arr = []any{uint8(KindLeaf), n.Value}
	case KindPruned:
		arr = []any{uint8(KindPruned), n.Digest[:]}
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrMalformed, n.Kind)
	}
	return encMode.Marshal(arr)
}

// UnmarshalCBOR decodes the tagged array form.
func (n *Node) UnmarshalCBOR(data []byte) error {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty array", ErrMalformed)
	}
	var tag uint8
	if err := cbor.Unmarshal(raw[0], &tag); err != nil {
		return fmt.Errorf("%w: tag: %v", ErrMalformed, err)
	}

	want := map[Kind]int{KindEmpty: 1, KindFork: 3, KindLabeled: 3, KindLeaf: 2, KindPruned: 2}
	if size, ok := want[Kind(tag)]; !ok || size != len(raw) {
		return fmt.Errorf("%w: tag %d with %d items", ErrMalformed, tag, len(raw))
	}

	*n = Node{Kind: Kind(tag)}
	switch n.Kind {
	case KindFork:
		n.Left, n.Right = new(Node), new(Node)
		if err := n.Left.UnmarshalCBOR(raw[1]); err != nil {
			return err
		}
		return n.Right.UnmarshalCBOR(raw[2])
	case KindLabeled:
		if err := cbor.Unmarshal(raw[1], &n.Label); err != nil {
			return fmt.Errorf("%w: label: %v", ErrMalformed, err)
		}
		n.Child = new(Node)
		return n.Child.UnmarshalCBOR(raw[2])
	case KindLeaf:
		if err := cbor.Unmarshal(raw[1], &n.Value); err != nil {
			return fmt.Errorf("%w: leaf: %v", ErrMalformed, err)
		}
	case KindPruned:
		var digest []byte
		if err := cbor.Unmarshal(raw[1], &digest); err != nil || len(digest) != len(n.Digest) {
			return fmt.Errorf("%w: pruned digest", ErrMalformed)
		}
		copy(n.Digest[:], digest)
	}
	return nil
}
