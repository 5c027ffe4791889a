package certification

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/starford/lightic/internal/hashtree"
)

// selfDescribeTag marks a CBOR document as CBOR.
const selfDescribeTag = 55799

var ErrMalformed = errors.New("certification: malformed certificate")

// Certificate is a signed hash tree.
type Certificate struct {
	Tree      *hashtree.Node `cbor:"tree"`
	Signature []byte         `cbor:"signature"`
}

// Marshal encodes the certificate as self-described CBOR.
func (c *Certificate) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(cbor.Tag{Number: selfDescribeTag, Content: c})
	if err != nil {
		return nil, fmt.Errorf("certification: marshal: %w", err)
	}
	return data, nil
}

// Parse decodes certificate bytes, with or without the self-describe tag.
func Parse(data []byte) (*Certificate, error) {
	var raw cbor.RawTag
	if err := cbor.Unmarshal(data, &raw); err == nil {
		if raw.Number != selfDescribeTag {
			return nil, fmt.Errorf("%w: unexpected tag %d", ErrMalformed, raw.Number)
		}
		data = raw.Content
	}
	var c Certificate
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.Tree == nil {
		return nil, fmt.Errorf("%w: missing tree", ErrMalformed)
	}
	return &c, nil
}

// Verify checks the signature over the reconstructed tree root.
func (c *Certificate) Verify(rootKey []byte) error {
	return VerifyRoot(rootKey, c.Tree.Reconstruct(), c.Signature)
}

// Lookup reads a leaf by text path.
func (c *Certificate) Lookup(labels ...string) ([]byte, hashtree.LookupResult) {
	return c.Tree.LookupString(labels...)
}
