// Package wasmbin encodes small WebAssembly modules: the callback trampoline
// instantiated next to every canister and the fixture canisters used by tests.
package wasmbin

import (
	"encoding/binary"
)

// ValType is a value type byte.
type ValType byte

const (
	I32     ValType = 0x7f
	I64     ValType = 0x7e
	F32     ValType = 0x7d
	F64     ValType = 0x7c
	FuncRef ValType = 0x70
)

// ExternKind tags imports and exports.
type ExternKind byte

const (
	ExternFunc   ExternKind = 0x00
	ExternTable  ExternKind = 0x01
	ExternMemory ExternKind = 0x02
	ExternGlobal ExternKind = 0x03
)

const (
	sectionCustom   = 0
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionTable    = 4
	sectionMemory   = 5
	sectionExport   = 7
	sectionElement  = 9
	sectionCode     = 10
	sectionData     = 11
)

var header = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Limits bounds a table or memory. Max is ignored when HasMax is false.
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

// Import describes one import. Type indexes Types for function imports;
// Limits applies to table and memory imports.
type Import struct {
	Module string
	Name   string
	Kind   ExternKind
	Type   uint32
	Limits Limits
}

// Func is a defined function. Body holds the instructions without the
// final end opcode.
type Func struct {
	Type   uint32
	Locals []ValType
	Body   []byte
}

type Export struct {
	Name  string
	Kind  ExternKind
	Index uint32
}

// Element places function indices into table 0 at Offset.
type Element struct {
	Offset uint32
	Funcs  []uint32
}

// Data places bytes into memory 0 at Offset.
type Data struct {
	Offset uint32
	Bytes  []byte
}

type Custom struct {
	Name string
	Data []byte
}

// Module is an in-memory module. Function indices count imported functions
// first, in Imports order, then Funcs.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []Func
	Tables   []Limits
	Memories []Limits
	Exports  []Export
	Elements []Element
	Data     []Data
	Custom   []Custom
}

// AddType appends a signature, reusing an identical one when present.
func (m *Module) AddType(params, results []ValType) uint32 {
	for i, t := range m.Types {
		if equalTypes(t.Params, params) && equalTypes(t.Results, results) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, FuncType{Params: params, Results: results})
	return uint32(len(m.Types) - 1)
}

// ImportFunc adds a function import and returns its function index. Imports
// must all be added before any defined function.
func (m *Module) ImportFunc(module, name string, params, results []ValType) uint32 {
	t := m.AddType(params, results)
	m.Imports = append(m.Imports, Import{Module: module, Name: name, Kind: ExternFunc, Type: t})
	return m.importedFuncs() - 1
}

// AddFunc defines a function and returns its function index.
func (m *Module) AddFunc(params, results []ValType, locals []ValType, body []byte) uint32 {
	t := m.AddType(params, results)
	m.Funcs = append(m.Funcs, Func{Type: t, Locals: locals, Body: body})
	return m.importedFuncs() + uint32(len(m.Funcs)) - 1
}

// Export adds an export of the given kind.
func (m *Module) Export(name string, kind ExternKind, index uint32) {
	m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Index: index})
}

func (m *Module) importedFuncs() uint32 {
	var n uint32
	for _, im := range m.Imports {
		if im.Kind == ExternFunc {
			n++
		}
	}
	return n
}

func equalTypes(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Encode serializes the module in section order.
func (m *Module) Encode() []byte {
	out := append([]byte(nil), header...)

	if len(m.Types) > 0 {
		out = section(out, sectionType, vector(len(m.Types), func(b []byte, i int) []byte {
			t := m.Types[i]
			b = append(b, 0x60)
			b = valTypes(b, t.Params)
			return valTypes(b, t.Results)
		}))
	}
	if len(m.Imports) > 0 {
		out = section(out, sectionImport, vector(len(m.Imports), func(b []byte, i int) []byte {
			im := m.Imports[i]
			b = name(b, im.Module)
			b = name(b, im.Name)
			b = append(b, byte(im.Kind))
			switch im.Kind {
			case ExternFunc:
				b = uleb(b, im.Type)
			case ExternTable:
				b = append(b, byte(FuncRef))
				b = limits(b, im.Limits)
			case ExternMemory:
				b = limits(b, im.Limits)
			}
			return b
		}))
	}
	if len(m.Funcs) > 0 {
		out = section(out, sectionFunction, vector(len(m.Funcs), func(b []byte, i int) []byte {
			return uleb(b, m.Funcs[i].Type)
		}))
	}
	if len(m.Tables) > 0 {
		out = section(out, sectionTable, vector(len(m.Tables), func(b []byte, i int) []byte {
			return limits(append(b, byte(FuncRef)), m.Tables[i])
		}))
	}
	if len(m.Memories) > 0 {
		out = section(out, sectionMemory, vector(len(m.Memories), func(b []byte, i int) []byte {
			return limits(b, m.Memories[i])
		}))
	}
	if len(m.Exports) > 0 {
		out = section(out, sectionExport, vector(len(m.Exports), func(b []byte, i int) []byte {
			e := m.Exports[i]
			b = name(b, e.Name)
			b = append(b, byte(e.Kind))
			return uleb(b, e.Index)
		}))
	}
	if len(m.Elements) > 0 {
		out = section(out, sectionElement, vector(len(m.Elements), func(b []byte, i int) []byte {
			e := m.Elements[i]
			b = append(b, 0x00)
			b = append(b, OpI32Const)
			b = sleb(b, int64(e.Offset))
			b = append(b, OpEnd)
			b = uleb(b, uint32(len(e.Funcs)))
			for _, f := range e.Funcs {
				b = uleb(b, f)
			}
			return b
		}))
	}
	if len(m.Funcs) > 0 {
		out = section(out, sectionCode, vector(len(m.Funcs), func(b []byte, i int) []byte {
			f := m.Funcs[i]
			var body []byte
			body = uleb(body, uint32(len(f.Locals)))
			for _, l := range f.Locals {
				body = append(body, 1, byte(l))
			}
			body = append(body, f.Body...)
			body = append(body, OpEnd)
			b = uleb(b, uint32(len(body)))
			return append(b, body...)
		}))
	}
	if len(m.Data) > 0 {
		out = section(out, sectionData, vector(len(m.Data), func(b []byte, i int) []byte {
			d := m.Data[i]
			b = append(b, 0x00, OpI32Const)
			b = sleb(b, int64(d.Offset))
			b = append(b, OpEnd)
			b = uleb(b, uint32(len(d.Bytes)))
			return append(b, d.Bytes...)
		}))
	}
	for _, c := range m.Custom {
		out = section(out, sectionCustom, append(name(nil, c.Name), c.Data...))
	}
	return out
}

func section(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = uleb(out, uint32(len(payload)))
	return append(out, payload...)
}

func vector(n int, item func([]byte, int) []byte) []byte {
	b := uleb(nil, uint32(n))
	for i := 0; i < n; i++ {
		b = item(b, i)
	}
	return b
}

func valTypes(b []byte, ts []ValType) []byte {
	b = uleb(b, uint32(len(ts)))
	for _, t := range ts {
		b = append(b, byte(t))
	}
	return b
}

func name(b []byte, s string) []byte {
	b = uleb(b, uint32(len(s)))
	return append(b, s...)
}

func limits(b []byte, l Limits) []byte {
	if l.HasMax {
		b = append(b, 0x01)
		b = uleb(b, l.Min)
		return uleb(b, l.Max)
	}
	b = append(b, 0x00)
	return uleb(b, l.Min)
}

func uleb(b []byte, v uint32) []byte {
	return binary.AppendUvarint(b, uint64(v))
}

func sleb(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
