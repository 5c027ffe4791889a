package parser

import (
	"errors"
	"testing"

	"github.com/starford/lightic/internal/idl"
)

func TestParse_TypesAndService(t *testing.T) {
	src := `
// counter interface
type Name = text;
type Entry = record { name : Name; "value" : nat64; 7 : bool };
type Pair = record { nat; text };
type Result = variant { ok : nat; err : text; none };
type Callback = func (nat) -> () oneway;

/* nested /* comment */ still comment */
service : (init : opt nat) -> {
  get : (Name) -> (opt Entry) query;
  put : (Name, blob) -> (Result);
  peek : (record { 0 : nat }) -> () composite_query;
  watch : Callback;
}
`
	prog, err := Parse(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prog.Decls) != 5 {
		t.Fatalf("decls = %d, want 5", len(prog.Decls))
	}

	pair := prog.Decls[2].Type
	if pair.Kind != idl.ASTTuple || len(pair.Elems) != 2 {
		t.Errorf("Pair kind = %v with %d elems, want tuple of 2", pair.Kind, len(pair.Elems))
	}
	result := prog.Decls[3].Type
	if result.Fields[2].Label != "none" || result.Fields[2].Type.Name != "null" {
		t.Errorf("bare variant label = %+v, want null case", result.Fields[2])
	}

	if prog.Actor == nil || !prog.Actor.HasInit || len(prog.Actor.Init) != 1 {
		t.Fatalf("actor = %+v, want one init arg", prog.Actor)
	}

	iface, err := idl.Build(prog)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	get, ok := iface.Service.Method("get")
	if !ok || !get.IsQuery() || !get.Valid {
		t.Errorf("get = %+v, want valid query", get)
	}
	put, _ := iface.Service.Method("put")
	if put.IsQuery() {
		t.Error("put should be an update")
	}
	if put.Args[1].Kind() != idl.KindVec || put.Args[1].Elem().Kind() != idl.KindNat8 {
		t.Errorf("blob arg = %s, want vec nat8", put.Args[1])
	}
	peek, _ := iface.Service.Method("peek")
	if !peek.IsQuery() {
		t.Error("composite_query should count as query")
	}
	watch, _ := iface.Service.Method("watch")
	if !watch.Valid || len(watch.Modes) != 1 {
		t.Errorf("watch = %+v, want oneway func", watch)
	}
	entry := iface.Types["Entry"]
	if _, _, ok := entry.FieldByID(7); !ok {
		t.Error("numeric label 7 missing from Entry")
	}
	if _, _, ok := entry.FieldByID(idl.Hash("value")); !ok {
		t.Error("quoted label missing from Entry")
	}
}

func TestParse_Recursive(t *testing.T) {
	prog, err := Parse(`type List = opt record { head : int; tail : List };
service : { len : (List) -> (nat) query }`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	iface, err := idl.Build(prog)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	list := iface.Types["List"]
	tail, _, ok := list.Elem().FieldByID(idl.Hash("tail"))
	if !ok {
		t.Fatal("tail field missing")
	}
	if tail.Type.Kind() != idl.KindOpt {
		t.Errorf("tail kind = %v, want opt", tail.Type.Kind())
	}
}

func TestParse_NamedServiceReference(t *testing.T) {
	prog, err := Parse(`import "other.did";
type S = service { ping : () -> () };
service counter : S;`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	iface, err := idl.Build(prog)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := iface.Service.Method("ping"); !ok {
		t.Error("ping missing from referenced service")
	}
	if prog.Actor.HasInit {
		t.Error("service without constructor reported init args")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name      string
		src       string
		line, col int
	}{
		{"missing equals", "type A record {}", 1, 8},
		{"unterminated record", "type A = record { a : nat;\n", 2, 1},
		{"bad char", "type A = nat;\n  @", 2, 3},
		{"unterminated text", `type A = record { "abc : nat }`, 1, 31},
		{"double service", "service : {}; service : {}", 1, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			var se *SyntaxError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want SyntaxError", err)
			}
			if se.Line != tt.line || se.Col != tt.col {
				t.Errorf("position = %d:%d, want %d:%d (%s)", se.Line, se.Col, tt.line, tt.col, se.Msg)
			}
		})
	}
}

func TestParse_ManagementInterface(t *testing.T) {
	src := `
type canister_id = principal;
type canister_settings = record {
  controllers : opt vec principal;
  compute_allocation : opt nat;
  memory_allocation : opt nat;
  freezing_threshold : opt nat;
};
type wasm_module = blob;
service ic : {
  create_canister : (record { settings : opt canister_settings }) -> (record { canister_id : canister_id });
  install_code : (record {
    mode : variant { install; reinstall; upgrade };
    canister_id : canister_id;
    wasm_module : wasm_module;
    arg : blob;
  }) -> ();
  raw_rand : () -> (blob);
}`
	prog, err := Parse(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	iface, err := idl.Build(prog)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := len(iface.Service.Methods()); got != 3 {
		t.Fatalf("methods = %d, want 3", got)
	}
	install, _ := iface.Service.Method("install_code")
	mode, _, ok := install.Args[0].FieldByID(idl.Hash("mode"))
	if !ok || len(mode.Type.Fields()) != 3 {
		t.Errorf("install mode = %+v, want 3-case variant", mode)
	}
}
