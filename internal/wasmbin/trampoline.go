package wasmbin

// Trampoline module and export names. The module imports the canister's
// function table and exposes invoke(env, index), which calls the table entry
// at index with env as its only argument.
const (
	TrampolineTableModule = "canister"
	TrampolineTableName   = "table"
	TrampolineInvoke      = "invoke"
)

// Trampoline builds the callback trampoline module.
func Trampoline() []byte {
	m := &Module{}
	callback := m.AddType([]ValType{I32}, nil)
	m.Imports = append(m.Imports, Import{
		Module: TrampolineTableModule,
		Name:   TrampolineTableName,
		Kind:   ExternTable,
	})
	code := (&Code{}).LocalGet(0).LocalGet(1).CallIndirect(callback)
	invoke := m.AddFunc([]ValType{I32, I32}, nil, nil, code.Bytes())
	m.Export(TrampolineInvoke, ExternFunc, invoke)
	return m.Encode()
}
