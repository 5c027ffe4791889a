// Package idl turns interface descriptions into runtime type descriptors and
// implements the Candid binary encoding over them.
package idl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the shape of a type node.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindNat
	KindInt
	KindNat8
	KindNat16
	KindNat32
	KindNat64
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindText
	KindReserved
	KindEmpty
	KindPrincipal
	KindOpt
	KindVec
	KindRecord
	KindVariant
	KindFunc
	KindService
	KindRec
)

var kindNames = map[Kind]string{
	KindNull: "null", KindBool: "bool", KindNat: "nat", KindInt: "int",
	KindNat8: "nat8", KindNat16: "nat16", KindNat32: "nat32", KindNat64: "nat64",
	KindInt8: "int8", KindInt16: "int16", KindInt32: "int32", KindInt64: "int64",
	KindFloat32: "float32", KindFloat64: "float64", KindText: "text", KindReserved: "reserved",
	KindEmpty: "empty", KindPrincipal: "principal", KindOpt: "opt", KindVec: "vec",
	KindRecord: "record", KindVariant: "variant", KindFunc: "func", KindService: "service",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "invalid"
}

// IsPrimitive reports whether values of kind k carry no nested type.
func (k Kind) IsPrimitive() bool {
	return k >= KindNull && k <= KindPrincipal
}

// primitiveKinds maps the primitive type names of the interface language.
var primitiveKinds = map[string]Kind{
	"null": KindNull, "bool": KindBool, "nat": KindNat, "int": KindInt,
	"nat8": KindNat8, "nat16": KindNat16, "nat32": KindNat32, "nat64": KindNat64,
	"int8": KindInt8, "int16": KindInt16, "int32": KindInt32, "int64": KindInt64,
	"float32": KindFloat32, "float64": KindFloat64, "text": KindText,
	"reserved": KindReserved, "empty": KindEmpty, "principal": KindPrincipal,
}

// Mode is a function annotation.
type Mode uint8

const (
	ModeQuery          Mode = 1
	ModeOneway         Mode = 2
	ModeCompositeQuery Mode = 3
)

var modeNames = map[Mode]string{ModeQuery: "query", ModeOneway: "oneway", ModeCompositeQuery: "composite_query"}

func (m Mode) String() string { return modeNames[m] }

// Field is a record or variant member. ID is the label hash used on the wire.
type Field struct {
	Name string
	ID   uint32
	Type Type
}

// FuncType is the signature of a function reference or service method.
type FuncType struct {
	Args  []Type
	Rets  []Type
	Modes []Mode
}

// IsQuery reports whether calls may take the query path.
func (f *FuncType) IsQuery() bool {
	for _, m := range f.Modes {
		if m == ModeQuery || m == ModeCompositeQuery {
			return true
		}
	}
	return false
}

// Method is a named service entry.
type Method struct {
	Name string
	Type Type
}

type node struct {
	kind    Kind
	elem    Type // opt, vec, rec target
	fields  []Field
	tuple   bool
	fn      *FuncType
	methods []Method
	filled  bool
}

// Arena owns the type nodes of one interface. Types refer to each other by
// index into the arena, so recursive definitions need no pointer cycles.
type Arena struct {
	nodes []node
	prims map[Kind]Type
}

func NewArena() *Arena {
	return &Arena{prims: make(map[Kind]Type)}
}

func (a *Arena) alloc(n node) Type {
	a.nodes = append(a.nodes, n)
	return Type{arena: a, id: len(a.nodes) - 1}
}

// Prim returns the descriptor of a primitive kind.
func (a *Arena) Prim(k Kind) Type {
	if !k.IsPrimitive() {
		return Type{}
	}
	if t, ok := a.prims[k]; ok {
		return t
	}
	t := a.alloc(node{kind: k})
	a.prims[k] = t
	return t
}

func (a *Arena) Opt(elem Type) Type {
	return a.alloc(node{kind: KindOpt, elem: elem})
}

func (a *Arena) Vec(elem Type) Type {
	return a.alloc(node{kind: KindVec, elem: elem})
}

// Record builds a record; fields are sorted by label hash.
func (a *Arena) Record(fields []Field) Type {
	return a.alloc(node{kind: KindRecord, fields: sortFields(fields)})
}

// Tuple builds a record whose fields are labeled 0..n-1.
func (a *Arena) Tuple(elems []Type) Type {
	fields := make([]Field, len(elems))
	for i, t := range elems {
		fields[i] = Field{Name: strconv.Itoa(i), ID: uint32(i), Type: t}
	}
	return a.alloc(node{kind: KindRecord, fields: fields, tuple: true})
}

func (a *Arena) Variant(fields []Field) Type {
	return a.alloc(node{kind: KindVariant, fields: sortFields(fields)})
}

func (a *Arena) Func(fn FuncType) Type {
	return a.alloc(node{kind: KindFunc, fn: &fn})
}

// Service builds a service type; methods are sorted by name.
func (a *Arena) Service(methods []Method) Type {
	ms := append([]Method(nil), methods...)
	sort.Slice(ms, func(i, j int) bool { return ms[i].Name < ms[j].Name })
	return a.alloc(node{kind: KindService, methods: ms})
}

// Rec allocates an unfilled recursive reference.
func (a *Arena) Rec() Type {
	return a.alloc(node{kind: KindRec})
}

// Fill points a Rec slot at its target. It writes into the existing slot only.
func (a *Arena) Fill(rec, target Type) error {
	if rec.arena != a || a.nodes[rec.id].kind != KindRec {
		return fmt.Errorf("idl: fill: not a recursive slot")
	}
	if a.nodes[rec.id].filled {
		return fmt.Errorf("idl: fill: slot %d already filled", rec.id)
	}
	a.nodes[rec.id].elem = target
	a.nodes[rec.id].filled = true
	return nil
}

func sortFields(fields []Field) []Field {
	fs := append([]Field(nil), fields...)
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].ID < fs[j].ID })
	return fs
}

// Type is a handle to a node in an Arena. The zero Type is the absent
// descriptor produced for shapes the builder does not understand.
type Type struct {
	arena *Arena
	id    int
}

// Valid reports whether t resolves to a usable descriptor.
func (t Type) Valid() bool {
	d := t.Deref()
	return d.arena != nil
}

func (t Type) n() *node {
	return &t.arena.nodes[t.id]
}

// Deref follows recursive references to the underlying node.
func (t Type) Deref() Type {
	for hops := 0; t.arena != nil; hops++ {
		nd := t.n()
		if nd.kind != KindRec {
			return t
		}
		if !nd.filled || hops > len(t.arena.nodes) {
			return Type{}
		}
		t = nd.elem
	}
	return Type{}
}

// Kind of the dereferenced type; KindInvalid for absent types.
func (t Type) Kind() Kind {
	d := t.Deref()
	if d.arena == nil {
		return KindInvalid
	}
	return d.n().kind
}

// Elem is the element of an opt or vec.
func (t Type) Elem() Type {
	d := t.Deref()
	if d.arena == nil {
		return Type{}
	}
	return d.n().elem
}

// Fields of a record or variant, in wire order.
func (t Type) Fields() []Field {
	d := t.Deref()
	if d.arena == nil {
		return nil
	}
	return d.n().fields
}

// IsTuple reports whether a record was declared positionally.
func (t Type) IsTuple() bool {
	d := t.Deref()
	return d.arena != nil && d.n().tuple
}

// Func returns the signature of a func type.
func (t Type) Func() *FuncType {
	d := t.Deref()
	if d.arena == nil {
		return nil
	}
	return d.n().fn
}

// Methods of a service type, sorted by name.
func (t Type) Methods() []Method {
	d := t.Deref()
	if d.arena == nil {
		return nil
	}
	return d.n().methods
}

// FieldByID finds a record/variant member by label hash.
func (t Type) FieldByID(id uint32) (Field, int, bool) {
	for i, f := range t.Fields() {
		if f.ID == id {
			return f, i, true
		}
	}
	return Field{}, -1, false
}

func (t Type) String() string {
	var sb strings.Builder
	writeType(&sb, t, map[int]bool{})
	return sb.String()
}

func writeType(sb *strings.Builder, t Type, seen map[int]bool) {
	if t.arena != nil && t.n().kind == KindRec {
		if seen[t.id] {
			fmt.Fprintf(sb, "rec_%d", t.id)
			return
		}
		seen[t.id] = true
		defer delete(seen, t.id)
	}
	d := t.Deref()
	if d.arena == nil {
		sb.WriteString("<absent>")
		return
	}
	nd := d.n()
	switch nd.kind {
	case KindOpt, KindVec:
		sb.WriteString(nd.kind.String() + " ")
		writeType(sb, nd.elem, seen)
	case KindRecord, KindVariant:
		sb.WriteString(nd.kind.String() + " {")
		for i, f := range nd.fields {
			if i > 0 {
				sb.WriteString(";")
			}
			sb.WriteString(" ")
			if !nd.tuple {
				sb.WriteString(f.Name)
				if nd.kind == KindVariant && f.Type.Kind() == KindNull {
					continue
				}
				sb.WriteString(" : ")
			}
			writeType(sb, f.Type, seen)
		}
		sb.WriteString(" }")
	case KindFunc:
		sb.WriteString("func ")
		writeFunc(sb, nd.fn, seen)
	case KindService:
		sb.WriteString("service {")
		for _, m := range nd.methods {
			sb.WriteString(" " + m.Name + " : ")
			if fn := m.Type.Func(); fn != nil {
				writeFunc(sb, fn, seen)
			} else {
				writeType(sb, m.Type, seen)
			}
			sb.WriteString(";")
		}
		sb.WriteString(" }")
	default:
		sb.WriteString(nd.kind.String())
	}
}

func writeFunc(sb *strings.Builder, fn *FuncType, seen map[int]bool) {
	writeList := func(ts []Type) {
		sb.WriteString("(")
		for i, t := range ts {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeType(sb, t, seen)
		}
		sb.WriteString(")")
	}
	writeList(fn.Args)
	sb.WriteString(" -> ")
	writeList(fn.Rets)
	for _, m := range fn.Modes {
		sb.WriteString(" " + m.String())
	}
}

// Hash computes the wire id of a field label.
func Hash(label string) uint32 {
	var h uint32
	for i := 0; i < len(label); i++ {
		h = h*223 + uint32(label[i])
	}
	return h
}

// LabelID returns the id for a label: numeric labels stand for themselves.
func LabelID(label string) uint32 {
	if n, err := strconv.ParseUint(label, 10, 32); err == nil {
		return uint32(n)
	}
	return Hash(label)
}
