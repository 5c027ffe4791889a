package idl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

var errShortInput = errors.New("idl: unexpected end of input")

// encoding/binary's Uvarint format is unsigned LEB128; the signed and
// arbitrary-precision variants below follow the same 7-bit grouping.

func appendUleb(b []byte, v uint64) []byte {
	return binary.AppendUvarint(b, v)
}

func appendSleb(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func appendBigUleb(b []byte, v *big.Int) []byte {
	if v.IsUint64() {
		return appendUleb(b, v.Uint64())
	}
	x := new(big.Int).Set(v)
	mask := big.NewInt(0x7f)
	for {
		c := byte(new(big.Int).And(x, mask).Uint64())
		x.Rsh(x, 7)
		if x.Sign() == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func appendBigSleb(b []byte, v *big.Int) []byte {
	if v.IsInt64() {
		return appendSleb(b, v.Int64())
	}
	x := new(big.Int).Set(v)
	mask := big.NewInt(0x7f)
	minusOne := big.NewInt(-1)
	for {
		// And on negative big.Ints uses two's complement semantics.
		c := byte(new(big.Int).And(x, mask).Uint64())
		x.Rsh(x, 7)
		if (x.Sign() == 0 && c&0x40 == 0) || (x.Cmp(minusOne) == 0 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// reader walks a Candid message.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errShortInput
	}
	c := r.buf[r.pos]
	r.pos++
	return c, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errShortInput
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) uleb() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n == 0 {
		return 0, errShortInput
	}
	if n < 0 {
		return 0, fmt.Errorf("idl: leb128 overflows 64 bits at offset %d", r.pos)
	}
	r.pos += n
	return v, nil
}

// ulebLen reads a length prefix and checks it against the remaining input.
func (r *reader) ulebLen() (int, error) {
	v, err := r.uleb()
	if err != nil {
		return 0, err
	}
	if v > 1<<31 {
		return 0, fmt.Errorf("idl: length %d too large", v)
	}
	return int(v), nil
}

func (r *reader) sleb() (int64, error) {
	var result int64
	var shift uint
	for {
		c, err := r.byte()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, fmt.Errorf("idl: sleb128 overflows 64 bits")
		}
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
	}
}

func (r *reader) bigUleb() (*big.Int, error) {
	v := new(big.Int)
	var shift uint
	for {
		c, err := r.byte()
		if err != nil {
			return nil, err
		}
		v.Or(v, new(big.Int).Lsh(big.NewInt(int64(c&0x7f)), shift))
		shift += 7
		if c&0x80 == 0 {
			return v, nil
		}
	}
}

func (r *reader) bigSleb() (*big.Int, error) {
	v := new(big.Int)
	var shift uint
	for {
		c, err := r.byte()
		if err != nil {
			return nil, err
		}
		v.Or(v, new(big.Int).Lsh(big.NewInt(int64(c&0x7f)), shift))
		shift += 7
		if c&0x80 == 0 {
			if c&0x40 != 0 {
				v.Sub(v, new(big.Int).Lsh(big.NewInt(1), shift))
			}
			return v, nil
		}
	}
}
