package idl

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"

	"github.com/starford/lightic/internal/principal"
)

// Magic starts every Candid message.
var Magic = []byte("DIDL")

// Type-table opcodes, as SLEB128 values.
const (
	opNull      = -1
	opBool      = -2
	opNat       = -3
	opInt       = -4
	opNat8      = -5
	opNat16     = -6
	opNat32     = -7
	opNat64     = -8
	opInt8      = -9
	opInt16     = -10
	opInt32     = -11
	opInt64     = -12
	opFloat32   = -13
	opFloat64   = -14
	opText      = -15
	opReserved  = -16
	opEmpty     = -17
	opOpt       = -18
	opVec       = -19
	opRecord    = -20
	opVariant   = -21
	opFunc      = -22
	opService   = -23
	opPrincipal = -24
)

var primOpcodes = map[Kind]int64{
	KindNull: opNull, KindBool: opBool, KindNat: opNat, KindInt: opInt,
	KindNat8: opNat8, KindNat16: opNat16, KindNat32: opNat32, KindNat64: opNat64,
	KindInt8: opInt8, KindInt16: opInt16, KindInt32: opInt32, KindInt64: opInt64,
	KindFloat32: opFloat32, KindFloat64: opFloat64, KindText: opText,
	KindReserved: opReserved, KindEmpty: opEmpty, KindPrincipal: opPrincipal,
}

// EncodeError reports which argument failed to encode.
type EncodeError struct {
	Index int
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("idl: encode argument %d: %v", e.Index, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Encode serializes values against their types into a Candid message.
func Encode(types []Type, values []any) ([]byte, error) {
	if len(types) != len(values) {
		return nil, fmt.Errorf("idl: %d types for %d values", len(types), len(values))
	}
	tt := &typeTable{index: make(map[typeKey]int)}
	refs := make([]int64, len(types))
	for i, t := range types {
		ref, err := tt.ref(t)
		if err != nil {
			return nil, &EncodeError{Index: i, Err: err}
		}
		refs[i] = ref
	}

	var body []byte
	for i, t := range types {
		var err error
		if body, err = encodeValue(body, t, values[i]); err != nil {
			return nil, &EncodeError{Index: i, Err: err}
		}
	}

	out := append([]byte(nil), Magic...)
	out = appendUleb(out, uint64(len(tt.entries)))
	for _, e := range tt.entries {
		out = append(out, e...)
	}
	out = appendUleb(out, uint64(len(refs)))
	for _, r := range refs {
		out = appendSleb(out, r)
	}
	return append(out, body...), nil
}

type typeKey struct {
	arena *Arena
	id    int
}

type typeTable struct {
	entries [][]byte
	index   map[typeKey]int
}

func (tt *typeTable) ref(t Type) (int64, error) {
	d := t.Deref()
	if d.arena == nil {
		return 0, fmt.Errorf("unsupported type")
	}
	nd := d.n()
	if op, ok := primOpcodes[nd.kind]; ok {
		return op, nil
	}
	key := typeKey{d.arena, d.id}
	if idx, ok := tt.index[key]; ok {
		return int64(idx), nil
	}
	idx := len(tt.entries)
	tt.index[key] = idx
	tt.entries = append(tt.entries, nil)

	var e []byte
	switch nd.kind {
	case KindOpt, KindVec:
		op := int64(opOpt)
		if nd.kind == KindVec {
			op = opVec
		}
		inner, err := tt.ref(nd.elem)
		if err != nil {
			return 0, err
		}
		e = appendSleb(appendSleb(e, op), inner)
	case KindRecord, KindVariant:
		op := int64(opRecord)
		if nd.kind == KindVariant {
			op = opVariant
		}
		e = appendSleb(e, op)
		e = appendUleb(e, uint64(len(nd.fields)))
		for _, f := range nd.fields {
			inner, err := tt.ref(f.Type)
			if err != nil {
				return 0, fmt.Errorf("field %s: %w", f.Name, err)
			}
			e = appendSleb(appendUleb(e, uint64(f.ID)), inner)
		}
	case KindFunc:
		e = appendSleb(e, opFunc)
		var err error
		if e, err = tt.refList(e, nd.fn.Args); err != nil {
			return 0, err
		}
		if e, err = tt.refList(e, nd.fn.Rets); err != nil {
			return 0, err
		}
		e = appendUleb(e, uint64(len(nd.fn.Modes)))
		for _, m := range nd.fn.Modes {
			e = append(e, byte(m))
		}
	case KindService:
		e = appendSleb(e, opService)
		e = appendUleb(e, uint64(len(nd.methods)))
		for _, m := range nd.methods {
			inner, err := tt.ref(m.Type)
			if err != nil {
				return 0, fmt.Errorf("method %s: %w", m.Name, err)
			}
			e = appendUleb(e, uint64(len(m.Name)))
			e = append(e, m.Name...)
			e = appendSleb(e, inner)
		}
	default:
		return 0, fmt.Errorf("unsupported type %s", nd.kind)
	}
	tt.entries[idx] = e
	return int64(idx), nil
}

func (tt *typeTable) refList(e []byte, ts []Type) ([]byte, error) {
	e = appendUleb(e, uint64(len(ts)))
	for _, t := range ts {
		inner, err := tt.ref(t)
		if err != nil {
			return nil, err
		}
		e = appendSleb(e, inner)
	}
	return e, nil
}

func encodeValue(b []byte, t Type, v any) ([]byte, error) {
	d := t.Deref()
	if d.arena == nil {
		return nil, fmt.Errorf("unsupported type")
	}
	nd := d.n()
	switch nd.kind {
	case KindNull, KindReserved:
		return b, nil
	case KindEmpty:
		return nil, fmt.Errorf("empty has no values")
	case KindBool:
		x, ok := v.(bool)
		if !ok {
			return nil, typeMismatch(nd.kind, v)
		}
		if x {
			return append(b, 1), nil
		}
		return append(b, 0), nil
	case KindNat, KindInt, KindNat8, KindNat16, KindNat32, KindNat64, KindInt8, KindInt16, KindInt32, KindInt64:
		n, err := toBig(v)
		if err != nil {
			return nil, err
		}
		return appendInteger(b, nd.kind, n)
	case KindFloat32:
		var f float32
		switch x := v.(type) {
		case float32:
			f = x
		case float64:
			f = float32(x)
		default:
			return nil, typeMismatch(nd.kind, v)
		}
		return binary.LittleEndian.AppendUint32(b, math.Float32bits(f)), nil
	case KindFloat64:
		var f float64
		switch x := v.(type) {
		case float32:
			f = float64(x)
		case float64:
			f = x
		default:
			return nil, typeMismatch(nd.kind, v)
		}
		return binary.LittleEndian.AppendUint64(b, math.Float64bits(f)), nil
	case KindText:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(nd.kind, v)
		}
		b = appendUleb(b, uint64(len(s)))
		return append(b, s...), nil
	case KindPrincipal, KindService:
		p, err := toPrincipal(v)
		if err != nil {
			return nil, err
		}
		return appendPrincipal(b, p), nil
	case KindFunc:
		ref, ok := v.(FuncRef)
		if !ok {
			return nil, typeMismatch(nd.kind, v)
		}
		b = appendPrincipal(append(b, 1), ref.Service)
		b = appendUleb(b, uint64(len(ref.Method)))
		return append(b, ref.Method...), nil
	case KindOpt:
		var inner any
		switch x := v.(type) {
		case nil:
			return append(b, 0), nil
		case Option:
			if !x.Some {
				return append(b, 0), nil
			}
			inner = x.Value
		case *Option:
			if x == nil || !x.Some {
				return append(b, 0), nil
			}
			inner = x.Value
		default:
			inner = v
		}
		return encodeValue(append(b, 1), nd.elem, inner)
	case KindVec:
		if raw, ok := v.([]byte); ok && nd.elem.Kind() == KindNat8 {
			b = appendUleb(b, uint64(len(raw)))
			return append(b, raw...), nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, typeMismatch(nd.kind, v)
		}
		b = appendUleb(b, uint64(rv.Len()))
		for i := 0; i < rv.Len(); i++ {
			var err error
			if b, err = encodeValue(b, nd.elem, rv.Index(i).Interface()); err != nil {
				return nil, fmt.Errorf("vec[%d]: %w", i, err)
			}
		}
		return b, nil
	case KindRecord:
		return encodeRecord(b, nd, v)
	case KindVariant:
		var label string
		var inner any
		switch x := v.(type) {
		case Variant:
			label, inner = x.Label, x.Value
		case map[string]any:
			if len(x) != 1 {
				return nil, fmt.Errorf("variant map must have exactly one key")
			}
			for k, e := range x {
				label, inner = k, e
			}
		default:
			return nil, typeMismatch(nd.kind, v)
		}
		for i, f := range nd.fields {
			if f.Name == label || (label != "" && LabelID(label) == f.ID) {
				b = appendUleb(b, uint64(i))
				return encodeValue(b, f.Type, inner)
			}
		}
		return nil, fmt.Errorf("unknown variant case %q", label)
	}
	return nil, fmt.Errorf("unsupported type %s", nd.kind)
}

func encodeRecord(b []byte, nd *node, v any) ([]byte, error) {
	if items, ok := v.([]any); ok {
		if len(items) != len(nd.fields) {
			return nil, fmt.Errorf("record wants %d fields, got %d", len(nd.fields), len(items))
		}
		for i, f := range nd.fields {
			var err error
			if b, err = encodeValue(b, f.Type, items[i]); err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
		}
		return b, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, typeMismatch(KindRecord, v)
	}
	for _, k := range sortedKeys(m) {
		if _, _, known := fieldByKey(nd, k); !known {
			return nil, fmt.Errorf("unknown record field %q", k)
		}
	}
	for _, f := range nd.fields {
		val, present := m[f.Name]
		if !present {
			val, present = m[strconv.FormatUint(uint64(f.ID), 10)]
		}
		if !present {
			switch f.Type.Kind() {
			case KindOpt, KindNull, KindReserved:
			default:
				return nil, fmt.Errorf("missing record field %q", f.Name)
			}
		}
		var err error
		if b, err = encodeValue(b, f.Type, val); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return b, nil
}

func fieldByKey(nd *node, key string) (Field, int, bool) {
	for i, f := range nd.fields {
		if f.Name == key || strconv.FormatUint(uint64(f.ID), 10) == key {
			return f, i, true
		}
	}
	return Field{}, -1, false
}

func appendPrincipal(b []byte, p principal.Principal) []byte {
	b = append(b, 1)
	b = appendUleb(b, uint64(p.Len()))
	return append(b, p.Bytes()...)
}

func toPrincipal(v any) (principal.Principal, error) {
	switch x := v.(type) {
	case principal.Principal:
		return x, nil
	case string:
		return principal.Decode(x)
	case []byte:
		return principal.FromBytes(x), nil
	}
	return principal.Principal{}, typeMismatch(KindPrincipal, v)
}

func toBig(v any) (*big.Int, error) {
	switch x := v.(type) {
	case *big.Int:
		return x, nil
	case big.Int:
		return &x, nil
	case int:
		return big.NewInt(int64(x)), nil
	case int8:
		return big.NewInt(int64(x)), nil
	case int16:
		return big.NewInt(int64(x)), nil
	case int32:
		return big.NewInt(int64(x)), nil
	case int64:
		return big.NewInt(x), nil
	case uint:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint64:
		return new(big.Int).SetUint64(x), nil
	}
	return nil, fmt.Errorf("want integer, got %T", v)
}

var bounds = map[Kind][2]*big.Int{
	KindNat8:  {big.NewInt(0), big.NewInt(math.MaxUint8)},
	KindNat16: {big.NewInt(0), big.NewInt(math.MaxUint16)},
	KindNat32: {big.NewInt(0), big.NewInt(math.MaxUint32)},
	KindNat64: {big.NewInt(0), new(big.Int).SetUint64(math.MaxUint64)},
	KindInt8:  {big.NewInt(math.MinInt8), big.NewInt(math.MaxInt8)},
	KindInt16: {big.NewInt(math.MinInt16), big.NewInt(math.MaxInt16)},
	KindInt32: {big.NewInt(math.MinInt32), big.NewInt(math.MaxInt32)},
	KindInt64: {big.NewInt(math.MinInt64), big.NewInt(math.MaxInt64)},
}

// fixedFromBig converts n to the Go representation of an integer kind.
func fixedFromBig(k Kind, n *big.Int) (any, error) {
	switch k {
	case KindNat:
		if n.Sign() < 0 {
			return nil, fmt.Errorf("nat cannot be negative: %s", n)
		}
		return n, nil
	case KindInt:
		return n, nil
	}
	r, ok := bounds[k]
	if !ok {
		return nil, fmt.Errorf("%s is not an integer type", k)
	}
	if n.Cmp(r[0]) < 0 || n.Cmp(r[1]) > 0 {
		return nil, fmt.Errorf("%s out of range for %s", n, k)
	}
	switch k {
	case KindNat8:
		return uint8(n.Uint64()), nil
	case KindNat16:
		return uint16(n.Uint64()), nil
	case KindNat32:
		return uint32(n.Uint64()), nil
	case KindNat64:
		return n.Uint64(), nil
	case KindInt8:
		return int8(n.Int64()), nil
	case KindInt16:
		return int16(n.Int64()), nil
	case KindInt32:
		return int32(n.Int64()), nil
	default:
		return n.Int64(), nil
	}
}

func appendInteger(b []byte, k Kind, n *big.Int) ([]byte, error) {
	v, err := fixedFromBig(k, n)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case *big.Int:
		if k == KindNat {
			return appendBigUleb(b, x), nil
		}
		return appendBigSleb(b, x), nil
	case uint8:
		return append(b, x), nil
	case uint16:
		return binary.LittleEndian.AppendUint16(b, x), nil
	case uint32:
		return binary.LittleEndian.AppendUint32(b, x), nil
	case uint64:
		return binary.LittleEndian.AppendUint64(b, x), nil
	case int8:
		return append(b, byte(x)), nil
	case int16:
		return binary.LittleEndian.AppendUint16(b, uint16(x)), nil
	case int32:
		return binary.LittleEndian.AppendUint32(b, uint32(x)), nil
	case int64:
		return binary.LittleEndian.AppendUint64(b, uint64(x)), nil
	}
	return nil, fmt.Errorf("unsupported integer kind %s", k)
}

func typeMismatch(k Kind, v any) error {
	return fmt.Errorf("want %s, got %T", k, v)
}
