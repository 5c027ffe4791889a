// Package principal implements the opaque identity used for canister ids and callers.
package principal

import (
	"encoding/binary"
	"errors"
	"fmt"

	icprincipal "github.com/aviate-labs/agent-go/principal"
)

// MaxLength is the maximum length of a principal in bytes.
const MaxLength = 29

var (
	// Management is the fixed id of the management pseudo-canister (aaaaa-aa).
	Management = Principal{}
	// Anonymous is the identity of unsigned callers (2vxsx-fae).
	Anonymous = Principal{raw: "\x04"}
)

var ErrInvalid = errors.New("principal: invalid")

// Principal is an immutable byte string. The zero value is the management canister id.
// Principals are comparable and can be used as map keys.
type Principal struct {
	raw string
}

// FromBytes copies b into a Principal.
func FromBytes(b []byte) Principal {
	return Principal{raw: string(b)}
}

// CanisterID derives the id of the n-th canister: big-endian n followed by the opaque-id class bytes.
func CanisterID(n uint64) Principal {
	var b [10]byte
	binary.BigEndian.PutUint64(b[:8], n)
	b[8], b[9] = 0x01, 0x01
	return Principal{raw: string(b[:])}
}

// Decode parses the textual form. Only the canonical lower-case, dash
// grouped spelling is accepted.
func Decode(text string) (Principal, error) {
	ic, err := icprincipal.Decode(text)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %q: %v", ErrInvalid, text, err)
	}
	p := FromBytes(ic.Raw)
	if len(p.raw) > MaxLength {
		return Principal{}, fmt.Errorf("%w: %q: too long", ErrInvalid, text)
	}
	if p.String() != text {
		return Principal{}, fmt.Errorf("%w: %q: not in canonical form", ErrInvalid, text)
	}
	return p, nil
}

// MustDecode is Decode for constants; it panics on error.
func MustDecode(text string) Principal {
	p, err := Decode(text)
	if err != nil {
		panic(err)
	}
	return p
}

// Bytes returns a copy of the raw bytes.
func (p Principal) Bytes() []byte {
	return []byte(p.raw)
}

// Len is the raw byte length.
func (p Principal) Len() int {
	return len(p.raw)
}

// IsManagement reports whether p is the management canister id.
func (p Principal) IsManagement() bool {
	return p.raw == ""
}

// CanisterIndex reverses CanisterID.
func (p Principal) CanisterIndex() (uint64, bool) {
	if len(p.raw) != 10 || p.raw[8] != 0x01 || p.raw[9] != 0x01 {
		return 0, false
	}
	return binary.BigEndian.Uint64([]byte(p.raw[:8])), true
}

// String is the textual form: crc32 checksum and bytes in lower-case
// base32, grouped by five.
func (p Principal) String() string {
	return icprincipal.Principal{Raw: []byte(p.raw)}.String()
}

func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Principal) UnmarshalText(text []byte) error {
	v, err := Decode(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
