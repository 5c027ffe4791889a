package idl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/starford/lightic/internal/principal"
)

const maxDecodeDepth = 512

var opcodeKinds = func() map[int64]Kind {
	m := make(map[int64]Kind, len(primOpcodes))
	for k, op := range primOpcodes {
		m[op] = k
	}
	return m
}()

// Decode parses a Candid message. Expected types, when given, supply record
// and variant labels and are checked against the wire types; wire arguments
// beyond the expected ones are dropped, and missing trailing arguments of an
// opt type decode as none.
func Decode(data []byte, expected ...Type) ([]any, error) {
	r := &reader{buf: data}
	magic, err := r.bytes(len(Magic))
	if err != nil || !bytes.Equal(magic, Magic) {
		return nil, fmt.Errorf("idl: missing DIDL header")
	}
	table, err := readTypeTable(r)
	if err != nil {
		return nil, err
	}

	n, err := r.ulebLen()
	if err != nil {
		return nil, fmt.Errorf("idl: argument count: %w", err)
	}
	wire := make([]Type, n)
	for i := range wire {
		code, err := r.sleb()
		if err != nil {
			return nil, fmt.Errorf("idl: argument type %d: %w", i, err)
		}
		if wire[i], err = table.lookup(code); err != nil {
			return nil, err
		}
	}

	out := make([]any, 0, n)
	for i, wt := range wire {
		var exp Type
		if i < len(expected) {
			exp = expected[i]
		}
		v, err := decodeValue(r, wt, exp, 0)
		if err != nil {
			return nil, fmt.Errorf("idl: decode argument %d: %w", i, err)
		}
		out = append(out, v)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("idl: %d trailing bytes", r.remaining())
	}

	if len(expected) == 0 {
		return out, nil
	}
	if len(out) > len(expected) {
		out = out[:len(expected)]
	}
	for i := len(out); i < len(expected); i++ {
		switch expected[i].Kind() {
		case KindOpt:
			out = append(out, Option{})
		case KindNull, KindReserved:
			out = append(out, nil)
		default:
			return nil, fmt.Errorf("idl: missing argument %d of type %s", i, expected[i])
		}
	}
	return out, nil
}

type wireTable struct {
	arena *Arena
	slots []Type
}

func (wt *wireTable) lookup(code int64) (Type, error) {
	if code >= 0 {
		if code >= int64(len(wt.slots)) {
			return Type{}, fmt.Errorf("idl: type index %d out of range", code)
		}
		return wt.slots[code], nil
	}
	k, ok := opcodeKinds[code]
	if !ok {
		return Type{}, fmt.Errorf("idl: unknown primitive type %d", code)
	}
	return wt.arena.Prim(k), nil
}

// readTypeTable allocates one slot per entry up front so entries may refer
// to entries that come later in the table.
func readTypeTable(r *reader) (*wireTable, error) {
	n, err := r.ulebLen()
	if err != nil {
		return nil, fmt.Errorf("idl: type table size: %w", err)
	}
	wt := &wireTable{arena: NewArena(), slots: make([]Type, n)}
	for i := range wt.slots {
		wt.slots[i] = wt.arena.Rec()
	}
	for i := 0; i < n; i++ {
		t, err := wt.readEntry(r)
		if err != nil {
			return nil, fmt.Errorf("idl: type table entry %d: %w", i, err)
		}
		if err := wt.arena.Fill(wt.slots[i], t); err != nil {
			return nil, err
		}
	}
	return wt, nil
}

func (wt *wireTable) readRef(r *reader) (Type, error) {
	code, err := r.sleb()
	if err != nil {
		return Type{}, err
	}
	return wt.lookup(code)
}

func (wt *wireTable) readRefs(r *reader) ([]Type, error) {
	n, err := r.ulebLen()
	if err != nil {
		return nil, err
	}
	out := make([]Type, n)
	for i := range out {
		if out[i], err = wt.readRef(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (wt *wireTable) readEntry(r *reader) (Type, error) {
	op, err := r.sleb()
	if err != nil {
		return Type{}, err
	}
	switch op {
	case opOpt, opVec:
		inner, err := wt.readRef(r)
		if err != nil {
			return Type{}, err
		}
		if op == opOpt {
			return wt.arena.Opt(inner), nil
		}
		return wt.arena.Vec(inner), nil
	case opRecord, opVariant:
		n, err := r.ulebLen()
		if err != nil {
			return Type{}, err
		}
		fields := make([]Field, n)
		sequential := true
		for i := range fields {
			id, err := r.uleb()
			if err != nil {
				return Type{}, err
			}
			if id > math.MaxUint32 {
				return Type{}, fmt.Errorf("field id %d out of range", id)
			}
			if i > 0 && uint32(id) <= fields[i-1].ID {
				return Type{}, fmt.Errorf("field ids not strictly increasing")
			}
			t, err := wt.readRef(r)
			if err != nil {
				return Type{}, err
			}
			sequential = sequential && id == uint64(i)
			fields[i] = Field{Name: "_" + strconv.FormatUint(id, 10) + "_", ID: uint32(id), Type: t}
		}
		if op == opVariant {
			return wt.arena.Variant(fields), nil
		}
		if sequential && n > 0 {
			elems := make([]Type, n)
			for i, f := range fields {
				elems[i] = f.Type
			}
			return wt.arena.Tuple(elems), nil
		}
		return wt.arena.Record(fields), nil
	case opFunc:
		args, err := wt.readRefs(r)
		if err != nil {
			return Type{}, err
		}
		rets, err := wt.readRefs(r)
		if err != nil {
			return Type{}, err
		}
		n, err := r.ulebLen()
		if err != nil {
			return Type{}, err
		}
		raw, err := r.bytes(n)
		if err != nil {
			return Type{}, err
		}
		modes := make([]Mode, n)
		for i, c := range raw {
			modes[i] = Mode(c)
		}
		return wt.arena.Func(FuncType{Args: args, Rets: rets, Modes: modes}), nil
	case opService:
		n, err := r.ulebLen()
		if err != nil {
			return Type{}, err
		}
		methods := make([]Method, n)
		for i := range methods {
			l, err := r.ulebLen()
			if err != nil {
				return Type{}, err
			}
			name, err := r.bytes(l)
			if err != nil {
				return Type{}, err
			}
			t, err := wt.readRef(r)
			if err != nil {
				return Type{}, err
			}
			methods[i] = Method{Name: string(name), Type: t}
		}
		return wt.arena.Service(methods), nil
	}
	return Type{}, fmt.Errorf("unsupported type opcode %d", op)
}

func decodeValue(r *reader, wire, exp Type, depth int) (any, error) {
	if depth > maxDecodeDepth {
		return nil, fmt.Errorf("value nested too deeply")
	}
	w := wire.Deref()
	if w.arena == nil {
		return nil, fmt.Errorf("unresolved wire type")
	}
	nd := w.n()

	e := exp.Deref()
	if e.arena != nil {
		ek := e.n().kind
		switch {
		case ek == KindReserved:
			_, err := decodeValue(r, wire, Type{}, depth+1)
			return nil, err
		case ek == KindOpt && nd.kind != KindOpt && nd.kind != KindNull && nd.kind != KindReserved:
			v, err := decodeValue(r, wire, e.n().elem, depth+1)
			if err != nil {
				return nil, err
			}
			return Some(v), nil
		case ek != nd.kind:
			return nil, fmt.Errorf("type mismatch: wire %s, expected %s", nd.kind, ek)
		}
	}

	switch nd.kind {
	case KindNull, KindReserved:
		return nil, nil
	case KindEmpty:
		return nil, fmt.Errorf("cannot decode a value of type empty")
	case KindBool:
		c, err := r.byte()
		if err != nil {
			return nil, err
		}
		if c > 1 {
			return nil, fmt.Errorf("invalid bool byte %d", c)
		}
		return c == 1, nil
	case KindNat:
		return r.bigUleb()
	case KindInt:
		return r.bigSleb()
	case KindNat8, KindInt8:
		c, err := r.byte()
		if err != nil {
			return nil, err
		}
		if nd.kind == KindInt8 {
			return int8(c), nil
		}
		return c, nil
	case KindNat16, KindInt16:
		b, err := r.bytes(2)
		if err != nil {
			return nil, err
		}
		v := binary.LittleEndian.Uint16(b)
		if nd.kind == KindInt16 {
			return int16(v), nil
		}
		return v, nil
	case KindNat32, KindInt32, KindFloat32:
		b, err := r.bytes(4)
		if err != nil {
			return nil, err
		}
		v := binary.LittleEndian.Uint32(b)
		switch nd.kind {
		case KindInt32:
			return int32(v), nil
		case KindFloat32:
			return math.Float32frombits(v), nil
		}
		return v, nil
	case KindNat64, KindInt64, KindFloat64:
		b, err := r.bytes(8)
		if err != nil {
			return nil, err
		}
		v := binary.LittleEndian.Uint64(b)
		switch nd.kind {
		case KindInt64:
			return int64(v), nil
		case KindFloat64:
			return math.Float64frombits(v), nil
		}
		return v, nil
	case KindText:
		n, err := r.ulebLen()
		if err != nil {
			return nil, err
		}
		b, err := r.bytes(n)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("text is not valid utf-8")
		}
		return string(b), nil
	case KindPrincipal, KindService:
		return readPrincipal(r)
	case KindFunc:
		c, err := r.byte()
		if err != nil {
			return nil, err
		}
		if c != 1 {
			return nil, fmt.Errorf("opaque function references are not supported")
		}
		p, err := readPrincipal(r)
		if err != nil {
			return nil, err
		}
		n, err := r.ulebLen()
		if err != nil {
			return nil, err
		}
		m, err := r.bytes(n)
		if err != nil {
			return nil, err
		}
		return FuncRef{Service: p, Method: string(m)}, nil
	case KindOpt:
		c, err := r.byte()
		if err != nil {
			return nil, err
		}
		switch c {
		case 0:
			return Option{}, nil
		case 1:
			v, err := decodeValue(r, nd.elem, exp.Elem(), depth+1)
			if err != nil {
				return nil, err
			}
			return Some(v), nil
		}
		return nil, fmt.Errorf("invalid opt flag %d", c)
	case KindVec:
		n, err := r.ulebLen()
		if err != nil {
			return nil, err
		}
		if nd.elem.Kind() == KindNat8 {
			b, err := r.bytes(n)
			if err != nil {
				return nil, err
			}
			return append([]byte(nil), b...), nil
		}
		out := make([]any, 0, min(n, r.remaining()+1))
		for i := 0; i < n; i++ {
			v, err := decodeValue(r, nd.elem, exp.Elem(), depth+1)
			if err != nil {
				return nil, fmt.Errorf("vec[%d]: %w", i, err)
			}
			out = append(out, v)
		}
		return out, nil
	case KindRecord:
		tuple := nd.tuple
		if e.arena != nil {
			tuple = e.n().tuple
		}
		if tuple {
			out := make([]any, len(nd.fields))
			for i, f := range nd.fields {
				ef, _, _ := exp.FieldByID(f.ID)
				v, err := decodeValue(r, f.Type, ef.Type, depth+1)
				if err != nil {
					return nil, fmt.Errorf("field %d: %w", i, err)
				}
				out[i] = v
			}
			return out, nil
		}
		out := make(map[string]any, len(nd.fields))
		for _, f := range nd.fields {
			name := f.Name
			ef, _, known := exp.FieldByID(f.ID)
			if known {
				name = ef.Name
			}
			v, err := decodeValue(r, f.Type, ef.Type, depth+1)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			if e.arena != nil && !known {
				continue
			}
			out[name] = v
		}
		return out, nil
	case KindVariant:
		idx, err := r.uleb()
		if err != nil {
			return nil, err
		}
		if idx >= uint64(len(nd.fields)) {
			return nil, fmt.Errorf("variant index %d out of range", idx)
		}
		f := nd.fields[idx]
		name := f.Name
		ef, _, known := exp.FieldByID(f.ID)
		if known {
			name = ef.Name
		} else if e.arena != nil {
			return nil, fmt.Errorf("unexpected variant case %s", f.Name)
		}
		v, err := decodeValue(r, f.Type, ef.Type, depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{Label: name, Value: v}, nil
	}
	return nil, fmt.Errorf("unsupported wire type %s", nd.kind)
}

func readPrincipal(r *reader) (principal.Principal, error) {
	c, err := r.byte()
	if err != nil {
		return principal.Principal{}, err
	}
	if c != 1 {
		return principal.Principal{}, fmt.Errorf("opaque principal references are not supported")
	}
	n, err := r.ulebLen()
	if err != nil {
		return principal.Principal{}, err
	}
	if n > principal.MaxLength {
		return principal.Principal{}, fmt.Errorf("principal too long: %d bytes", n)
	}
	b, err := r.bytes(n)
	if err != nil {
		return principal.Principal{}, err
	}
	return principal.FromBytes(b), nil
}
