package idl

import (
	"errors"
	"fmt"
)

// Interface is the runtime view of an interface description.
type Interface struct {
	Arena *Arena
	// Types maps declared names to their descriptors.
	Types map[string]Type
	// Service is nil when the description has no service clause.
	Service *Service
	// InitArgs are the constructor argument types; HasInit tells an empty
	// constructor apart from a service with no constructor.
	InitArgs []Type
	HasInit  bool
}

// Service is the resolved public interface of a canister.
type Service struct {
	Type    Type
	methods map[string]*ServiceMethod
	names   []string
}

// ServiceMethod describes one callable method. Valid is false when some part
// of the signature could not be resolved; such methods are listed but cannot
// be encoded.
type ServiceMethod struct {
	Name  string
	Args  []Type
	Rets  []Type
	Modes []Mode
	Valid bool
}

// IsQuery reports whether the method is annotated query or composite_query.
func (m *ServiceMethod) IsQuery() bool {
	return (&FuncType{Modes: m.Modes}).IsQuery()
}

// Method looks up a method by name.
func (s *Service) Method(name string) (*ServiceMethod, bool) {
	if s == nil {
		return nil, false
	}
	m, ok := s.methods[name]
	return m, ok
}

// Methods lists the methods in name order.
func (s *Service) Methods() []*ServiceMethod {
	if s == nil {
		return nil
	}
	out := make([]*ServiceMethod, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.methods[n])
	}
	return out
}

// NewService wraps a service type.
func NewService(t Type) *Service {
	s := &Service{Type: t, methods: make(map[string]*ServiceMethod)}
	for _, m := range t.Methods() {
		sm := &ServiceMethod{Name: m.Name}
		if fn := m.Type.Func(); fn != nil {
			sm.Args, sm.Rets, sm.Modes = fn.Args, fn.Rets, fn.Modes
			sm.Valid = allValid(fn.Args) && allValid(fn.Rets)
		}
		s.methods[m.Name] = sm
		s.names = append(s.names, m.Name)
	}
	return s
}

func allValid(ts []Type) bool {
	for _, t := range ts {
		if !t.Valid() {
			return false
		}
	}
	return true
}

var ErrNoProgram = errors.New("idl: no program")

type builder struct {
	arena *Arena
	decls map[string]*AST
	types map[string]Type
	fills []func() error
}

// Build resolves a parsed program. Named types are resolved in declaration
// order; references to names not resolved yet become recursive slots that are
// filled once every name exists.
func Build(prog *Program) (*Interface, error) {
	if prog == nil {
		return nil, ErrNoProgram
	}
	b := &builder{
		arena: NewArena(),
		decls: make(map[string]*AST, len(prog.Decls)),
		types: make(map[string]Type, len(prog.Decls)),
	}
	for _, d := range prog.Decls {
		if _, dup := b.decls[d.Name]; dup {
			return nil, fmt.Errorf("idl: duplicate type %q", d.Name)
		}
		b.decls[d.Name] = d.Type
	}

	for _, d := range prog.Decls {
		if _, done := b.types[d.Name]; !done {
			b.types[d.Name] = b.resolve(d.Type)
		}
	}
	for _, fill := range b.fills {
		if err := fill(); err != nil {
			return nil, err
		}
	}

	out := &Interface{Arena: b.arena, Types: b.types}
	if prog.Actor == nil {
		return out, nil
	}
	if prog.Actor.Service != nil {
		svc := b.resolve(prog.Actor.Service)
		if svc.Kind() == KindService {
			out.Service = NewService(svc)
		}
	}
	if prog.Actor.HasInit {
		out.HasInit = true
		out.InitArgs = b.resolveList(prog.Actor.Init)
	}
	return out, nil
}

func (b *builder) resolveList(asts []*AST) []Type {
	out := make([]Type, len(asts))
	for i, a := range asts {
		// JSON null in an array never reaches AST.UnmarshalJSON.
		if a == nil {
			a = Prim("null")
		}
		out[i] = b.resolve(a)
	}
	return out
}

func (b *builder) resolveFields(fields []ASTField) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		t := f.Type
		if t == nil {
			t = Prim("null")
		}
		out[i] = Field{Name: f.Label, ID: LabelID(f.Label), Type: b.resolve(t)}
	}
	return out
}

func (b *builder) resolve(a *AST) Type {
	if a == nil {
		return Type{}
	}
	switch a.Kind {
	case ASTPrim:
		if k, ok := primitiveKinds[a.Name]; ok {
			return b.arena.Prim(k)
		}
		if a.Name == "blob" {
			return b.arena.Vec(b.arena.Prim(KindNat8))
		}
		return Type{}
	case ASTVar:
		if t, ok := b.types[a.Name]; ok {
			return t
		}
		if _, declared := b.decls[a.Name]; !declared {
			return Type{}
		}
		rec := b.arena.Rec()
		name := a.Name
		b.fills = append(b.fills, func() error {
			return b.arena.Fill(rec, b.types[name])
		})
		return rec
	case ASTOpt:
		return b.arena.Opt(b.resolve(a.Elem))
	case ASTVec:
		return b.arena.Vec(b.resolve(a.Elem))
	case ASTRecord:
		return b.arena.Record(b.resolveFields(a.Fields))
	case ASTTuple:
		return b.arena.Tuple(b.resolveList(a.Elems))
	case ASTVariant:
		return b.arena.Variant(b.resolveFields(a.Fields))
	case ASTFunc:
		if a.Func == nil {
			return Type{}
		}
		return b.arena.Func(FuncType{
			Args:  b.resolveList(a.Func.Args),
			Rets:  b.resolveList(a.Func.Rets),
			Modes: parseModes(a.Func.Modes),
		})
	case ASTService:
		methods := make([]Method, len(a.Methods))
		for i, m := range a.Methods {
			methods[i] = Method{Name: m.Name, Type: b.resolve(m.Type)}
		}
		return b.arena.Service(methods)
	}
	return Type{}
}

func parseModes(names []string) []Mode {
	var out []Mode
	for _, n := range names {
		switch n {
		case "query", "Query":
			out = append(out, ModeQuery)
		case "oneway", "Oneway":
			out = append(out, ModeOneway)
		case "composite_query", "CompositeQuery":
			out = append(out, ModeCompositeQuery)
		}
	}
	return out
}
