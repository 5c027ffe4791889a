package testutil

import (
	"fmt"

	"github.com/starford/lightic/internal/wasmbin"
)

var (
	i32 = wasmbin.I32
	i64 = wasmbin.I64
)

// systemSigs are the ic0 signatures fixtures may import.
var systemSigs = map[string][2][]wasmbin.ValType{
	"msg_arg_data_size":     {nil, {i32}},
	"msg_arg_data_copy":     {{i32, i32, i32}, nil},
	"msg_caller_size":       {nil, {i32}},
	"msg_caller_copy":       {{i32, i32, i32}, nil},
	"msg_reject_code":       {nil, {i32}},
	"msg_reject_msg_size":   {nil, {i32}},
	"msg_reject_msg_copy":   {{i32, i32, i32}, nil},
	"msg_reply_data_append": {{i32, i32}, nil},
	"msg_reply":             {nil, nil},
	"msg_reject":            {{i32, i32}, nil},
	"msg_cycles_accept":     {{i64}, {i64}},
	"msg_cycles_available":  {nil, {i64}},
	"msg_cycles_refunded":   {nil, {i64}},
	"accept_message":        {nil, nil},
	"canister_self_size":    {nil, {i32}},
	"call_new":              {{i32, i32, i32, i32, i32, i32, i32, i32}, nil},
	"call_on_cleanup":       {{i32, i32}, nil},
	"call_data_append":      {{i32, i32}, nil},
	"call_cycles_add":       {{i64}, nil},
	"call_perform":          {nil, {i32}},
	"stable64_grow":         {{i64}, {i64}},
	"stable64_write":        {{i64, i64, i64}, nil},
	"stable64_read":         {{i64, i64, i64}, nil},
	"certified_data_set":    {{i32, i32}, nil},
	"data_certificate_size": {nil, {i32}},
	"debug_print":           {{i32, i32}, nil},
	"trap":                  {{i32, i32}, nil},
	"mint_cycles":           {{i64}, {i64}},
}

// Canister assembles a canister module. All imports have to be declared
// before the first method or callback is added.
type Canister struct {
	m         *wasmbin.Module
	funcs     map[string]uint32
	callbacks []uint32
	closed    bool
}

// NewCanister starts a module with one exported page of memory that imports
// the named ic0 functions.
func NewCanister(imports ...string) *Canister {
	c := &Canister{m: &wasmbin.Module{}, funcs: map[string]uint32{}}
	c.m.Memories = []wasmbin.Limits{{Min: 1}}
	c.m.Export("memory", wasmbin.ExternMemory, 0)
	for _, name := range imports {
		sig, ok := systemSigs[name]
		if !ok {
			panic(fmt.Sprintf("testutil: no signature for ic0.%s", name))
		}
		c.ImportFrom("ic0", name, sig[0], sig[1])
	}
	return c
}

// ImportFrom declares an arbitrary function import.
func (c *Canister) ImportFrom(module, name string, params, results []wasmbin.ValType) uint32 {
	if c.closed {
		panic("testutil: import after function definitions")
	}
	idx := c.m.ImportFunc(module, name, params, results)
	c.funcs[module+"."+name] = idx
	return idx
}

// F returns the function index of an ic0 import.
func (c *Canister) F(name string) uint32 {
	idx, ok := c.funcs["ic0."+name]
	if !ok {
		panic(fmt.Sprintf("testutil: ic0.%s not imported", name))
	}
	return idx
}

// Method exports a () -> () function under name, e.g. "canister_update inc".
func (c *Canister) Method(name string, body func(*wasmbin.Code)) {
	c.closed = true
	code := &wasmbin.Code{}
	body(code)
	idx := c.m.AddFunc(nil, nil, nil, code.Bytes())
	c.m.Export(name, wasmbin.ExternFunc, idx)
}

// Callback adds an (env i32) -> () function to the table and returns its
// table index. Local 0 holds env; local 1 is a scratch i32.
func (c *Canister) Callback(body func(*wasmbin.Code)) uint32 {
	c.closed = true
	code := &wasmbin.Code{}
	body(code)
	idx := c.m.AddFunc([]wasmbin.ValType{i32}, nil, []wasmbin.ValType{i32}, code.Bytes())
	c.callbacks = append(c.callbacks, idx)
	return uint32(len(c.callbacks) - 1)
}

// Data places bytes at offset in memory.
func (c *Canister) Data(offset uint32, b []byte) {
	c.m.Data = append(c.m.Data, wasmbin.Data{Offset: offset, Bytes: b})
}

// Custom adds a custom section.
func (c *Canister) Custom(name string, data []byte) {
	c.m.Custom = append(c.m.Custom, wasmbin.Custom{Name: name, Data: data})
}

// Bytes encodes the module.
func (c *Canister) Bytes() []byte {
	if len(c.callbacks) > 0 {
		n := uint32(len(c.callbacks))
		c.m.Tables = []wasmbin.Limits{{Min: n, Max: n, HasMax: true}}
		c.m.Elements = []wasmbin.Element{{Offset: 0, Funcs: c.callbacks}}
	}
	return c.m.Encode()
}

// Store writes the i32 value v to addr.
func Store(code *wasmbin.Code, addr uint32, v func(*wasmbin.Code)) *wasmbin.Code {
	code.I32Const(int32(addr))
	v(code)
	return code.I32Store()
}

// Load pushes the i32 at addr.
func Load(code *wasmbin.Code, addr uint32) *wasmbin.Code {
	return code.I32Const(int32(addr)).I32Load()
}

// Reply answers with size bytes from memory at ptr.
func (c *Canister) Reply(code *wasmbin.Code, ptr, size uint32) *wasmbin.Code {
	code.I32Const(int32(ptr)).I32Const(int32(size)).Call(c.F("msg_reply_data_append"))
	return code.Call(c.F("msg_reply"))
}
