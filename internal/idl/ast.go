package idl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ASTKind is the shape of a parsed type expression.
type ASTKind uint8

const (
	ASTUnknown ASTKind = iota
	ASTPrim
	ASTVar
	ASTOpt
	ASTVec
	ASTRecord
	ASTTuple
	ASTVariant
	ASTFunc
	ASTService
)

// AST is a type expression as emitted by an interface parser.
type AST struct {
	Kind    ASTKind
	Name    string // primitive or referenced type name
	Elem    *AST
	Fields  []ASTField
	Elems   []*AST
	Func    *ASTFuncSig
	Methods []ASTMethod
}

type ASTField struct {
	Label string
	Type  *AST
}

type ASTFuncSig struct {
	Args  []*AST
	Rets  []*AST
	Modes []string
}

type ASTMethod struct {
	Name string
	Type *AST
}

// Decl is a top-level `type Name = ...` definition.
type Decl struct {
	Name string
	Type *AST
}

// Actor is the service clause of an interface description.
type Actor struct {
	// Init holds the constructor argument types of a service class.
	Init    []*AST
	HasInit bool
	Service *AST
}

// Program is a parsed interface description. Decls keep declaration order.
type Program struct {
	Decls []Decl
	Actor *Actor
}

// Helpers used by parsers to build AST values.

func Prim(name string) *AST { return &AST{Kind: ASTPrim, Name: name} }

func Var(name string) *AST { return &AST{Kind: ASTVar, Name: name} }

func OptOf(elem *AST) *AST { return &AST{Kind: ASTOpt, Elem: elem} }

func VecOf(elem *AST) *AST { return &AST{Kind: ASTVec, Elem: elem} }

func RecordOf(fields ...ASTField) *AST { return &AST{Kind: ASTRecord, Fields: fields} }

func VariantOf(fields ...ASTField) *AST { return &AST{Kind: ASTVariant, Fields: fields} }

func TupleOf(elems ...*AST) *AST { return &AST{Kind: ASTTuple, Elems: elems} }

// UnmarshalJSON reads the JSON type representation produced by the candid
// toolchain's JSON target: primitives are strings, null is JSON null and
// composites are single-key objects such as {"Opt": ...} or {"Record": {...}}.
func (a *AST) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*a = AST{Kind: ASTPrim, Name: "null"}
		return nil
	case len(data) > 0 && data[0] == '"':
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*a = AST{Kind: ASTPrim, Name: name}
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("idl: type node: %w", err)
	}
	if len(obj) != 1 {
		*a = AST{Kind: ASTUnknown}
		return nil
	}
	for key, raw := range obj {
		switch key {
		case "Var":
			var name string
			if err := json.Unmarshal(raw, &name); err != nil {
				return err
			}
			*a = AST{Kind: ASTVar, Name: name}
		case "Opt", "Vec":
			elem := new(AST)
			if err := json.Unmarshal(raw, elem); err != nil {
				return err
			}
			kind := ASTOpt
			if key == "Vec" {
				kind = ASTVec
			}
			*a = AST{Kind: kind, Elem: elem}
		case "Record", "Variant":
			fields, err := decodeFields(raw)
			if err != nil {
				return err
			}
			kind := ASTRecord
			if key == "Variant" {
				kind = ASTVariant
			}
			*a = AST{Kind: kind, Fields: fields}
		case "Tuple":
			var elems []*AST
			if err := json.Unmarshal(raw, &elems); err != nil {
				return err
			}
			*a = AST{Kind: ASTTuple, Elems: elems}
		case "Func":
			var fn struct {
				Args  []*AST   `json:"args"`
				Rets  []*AST   `json:"rets"`
				Modes []string `json:"modes"`
			}
			if err := json.Unmarshal(raw, &fn); err != nil {
				return err
			}
			*a = AST{Kind: ASTFunc, Func: &ASTFuncSig{Args: fn.Args, Rets: fn.Rets, Modes: fn.Modes}}
		case "Service":
			fields, err := decodeFields(raw)
			if err != nil {
				return err
			}
			methods := make([]ASTMethod, len(fields))
			for i, f := range fields {
				methods[i] = ASTMethod{Name: f.Label, Type: f.Type}
			}
			*a = AST{Kind: ASTService, Methods: methods}
		default:
			*a = AST{Kind: ASTUnknown, Name: key}
		}
	}
	return nil
}

func decodeFields(raw json.RawMessage) ([]ASTField, error) {
	var m map[string]*AST
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	fields := make([]ASTField, len(names))
	for i, k := range names {
		fields[i] = ASTField{Label: k, Type: m[k]}
	}
	return fields, nil
}

// ParseJSON reads a whole program in the JSON form:
// {"types": {name: T}, "actor": {"Init": [T], "Spec": T}}.
func ParseJSON(data []byte) (*Program, error) {
	var raw struct {
		Types map[string]*AST `json:"types"`
		Actor *struct {
			Init *[]*AST `json:"Init"`
			Spec *AST    `json:"Spec"`
		} `json:"actor"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("idl: parse json program: %w", err)
	}

	prog := &Program{}
	names := make([]string, 0, len(raw.Types))
	for name := range raw.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prog.Decls = append(prog.Decls, Decl{Name: name, Type: raw.Types[name]})
	}
	if raw.Actor != nil {
		prog.Actor = &Actor{Service: raw.Actor.Spec}
		if raw.Actor.Init != nil {
			prog.Actor.Init = *raw.Actor.Init
			prog.Actor.HasInit = true
		}
	}
	return prog, nil
}
